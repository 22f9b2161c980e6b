package handlers

import (
	"bytes"
	"fmt"
	"text/template"
)

// scriptData feeds the upload script templates. BaseURL has no trailing
// slash; Filename is empty when the uploader picks the name.
type scriptData struct {
	BaseURL       string
	ID            string
	Filename      string
	RequireAPIKey bool
}

var scriptContentTypes = map[string]string{
	"sh":  "text/x-shellscript; charset=utf-8",
	"ps1": "text/plain; charset=utf-8",
	"bat": "text/plain; charset=utf-8",
}

// renderScript produces the named upload script and its content type.
func renderScript(kind string, data scriptData) (string, string, error) {
	tmpl, ok := scriptTemplates[kind]
	if !ok {
		return "", "", fmt.Errorf("unknown script kind %q", kind)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("rendering %s script: %w", kind, err)
	}
	return buf.String(), scriptContentTypes[kind], nil
}

func scriptDisposition(id, kind string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("attachment; filename=%q", "cubby-upload-"+short+"."+kind)
}

var scriptTemplates = map[string]*template.Template{
	"sh":  template.Must(template.New("sh").Parse(shellScript)),
	"ps1": template.Must(template.New("ps1").Parse(powershellScript)),
	"bat": template.Must(template.New("bat").Parse(batchScript)),
}

const shellScript = `#!/bin/sh
# Cubby file-request uploader (session {{.ID}}).
set -eu

BASE_URL="{{.BaseURL}}"
UPLOAD_URL="$BASE_URL/api/filereq/{{.ID}}/upload"

FILE=""
SAVE_AS="{{.Filename}}"
CHUNK_MB=8
QUIET=0
API_KEY=""

usage() {
    echo "usage: $0 --file <path> [--save-as <name>] [--chunk-size <MiB>] [--quiet]{{if .RequireAPIKey}} --api-key <key>{{end}}" >&2
    exit 2
}

while [ $# -gt 0 ]; do
    case "$1" in
        --file) FILE="$2"; shift 2 ;;
        --save-as) SAVE_AS="$2"; shift 2 ;;
        --chunk-size) CHUNK_MB="$2"; shift 2 ;;
        --api-key) API_KEY="$2"; shift 2 ;;
        --quiet) QUIET=1; shift ;;
        *) usage ;;
    esac
done

[ -n "$FILE" ] || usage
[ -f "$FILE" ] || { echo "error: no such file: $FILE" >&2; exit 1; }
{{if .RequireAPIKey}}[ -n "$API_KEY" ] || usage
{{end}}
if [ "$CHUNK_MB" -lt 5 ]; then CHUNK_MB=5; fi
if [ "$CHUNK_MB" -gt 40 ]; then CHUNK_MB=40; fi
CHUNK_BYTES=$((CHUNK_MB * 1024 * 1024))

if [ -z "$SAVE_AS" ]; then
    SAVE_AS=$(basename "$FILE")
fi

say() {
    [ "$QUIET" -eq 1 ] || echo "$@"
}

do_curl() {
    curl -fsS{{if .RequireAPIKey}} -H "X-Api-Key: $API_KEY"{{end}} "$@"
}

SIZE=$(wc -c < "$FILE")
PARTS=$(( (SIZE + CHUNK_BYTES - 1) / CHUNK_BYTES ))
[ "$PARTS" -gt 0 ] || PARTS=1

say "uploading $FILE as $SAVE_AS ($SIZE bytes, $PARTS chunks)"

do_curl -X POST -H "X-Filename: $SAVE_AS" "$UPLOAD_URL" > /dev/null

PART=1
while [ "$PART" -le "$PARTS" ]; do
    say "chunk $PART/$PARTS"
    dd if="$FILE" bs="$CHUNK_BYTES" skip=$((PART - 1)) count=1 2>/dev/null |
        do_curl -X PUT --data-binary @- "$UPLOAD_URL" > /dev/null
    PART=$((PART + 1))
done

do_curl -X POST "$UPLOAD_URL/complete" > /dev/null
say "done"
`

const powershellScript = `# Cubby file-request uploader (session {{.ID}}).
param(
    [Parameter(Mandatory = $true)]
    [string]$File,
    [string]$SaveAs = "{{.Filename}}",
    [ValidateRange(5, 40)]
    [int]$ChunkSize = 8,
    [switch]$Quiet{{if .RequireAPIKey}},
    [Parameter(Mandatory = $true)]
    [string]$ApiKey{{end}}
)

$ErrorActionPreference = "Stop"

$baseUrl = "{{.BaseURL}}"
$uploadUrl = "$baseUrl/api/filereq/{{.ID}}/upload"

if (-not (Test-Path -LiteralPath $File)) {
    Write-Error "no such file: $File"
    exit 1
}
if ([string]::IsNullOrEmpty($SaveAs)) {
    $SaveAs = [System.IO.Path]::GetFileName($File)
}

$headers = @{ "X-Filename" = $SaveAs }
{{if .RequireAPIKey}}$headers["X-Api-Key"] = $ApiKey
{{end}}
function Say($msg) {
    if (-not $Quiet) { Write-Host $msg }
}

$chunkBytes = $ChunkSize * 1MB
$size = (Get-Item -LiteralPath $File).Length
$parts = [math]::Max(1, [math]::Ceiling($size / $chunkBytes))

Say "uploading $File as $SaveAs ($size bytes, $parts chunks)"

Invoke-RestMethod -Method Post -Uri $uploadUrl -Headers $headers | Out-Null

$stream = [System.IO.File]::OpenRead($File)
try {
    $buffer = New-Object byte[] $chunkBytes
    $part = 1
    while ($true) {
        $read = $stream.Read($buffer, 0, $buffer.Length)
        if ($read -le 0) { break }
        Say "chunk $part/$parts"
        $chunk = $buffer
        if ($read -ne $buffer.Length) {
            $chunk = New-Object byte[] $read
            [System.Array]::Copy($buffer, $chunk, $read)
        }
        Invoke-RestMethod -Method Put -Uri $uploadUrl -Headers $headers -Body $chunk -ContentType "application/octet-stream" | Out-Null
        $part++
    }
}
finally {
    $stream.Dispose()
}

Invoke-RestMethod -Method Post -Uri "$uploadUrl/complete" -Headers $headers | Out-Null
Say "done"
`

const batchScript = `@echo off
rem Cubby file-request uploader (session {{.ID}}).
setlocal

set "BASE_URL={{.BaseURL}}"
set "FILE="
set "SAVEAS={{.Filename}}"
set "CHUNK=8"
set "QUIETFLAG="
set "APIKEY="

:parse
if "%~1"=="" goto check
if "%~1"=="--file" (set "FILE=%~2" & shift & shift & goto parse)
if "%~1"=="--save-as" (set "SAVEAS=%~2" & shift & shift & goto parse)
if "%~1"=="--chunk-size" (set "CHUNK=%~2" & shift & shift & goto parse)
if "%~1"=="--api-key" (set "APIKEY=%~2" & shift & shift & goto parse)
if "%~1"=="--quiet" (set "QUIETFLAG=-Quiet" & shift & goto parse)
goto usage

:check
if "%FILE%"=="" goto usage
{{if .RequireAPIKey}}if "%APIKEY%"=="" goto usage
{{end}}
set "PS1=%TEMP%\cubby_upload_{{.ID}}.ps1"
powershell -NoProfile -Command "Invoke-WebRequest -UseBasicParsing -Uri '%BASE_URL%/api/filereq/{{.ID}}/ps1' -OutFile '%PS1%'"
if errorlevel 1 exit /b 1

powershell -NoProfile -ExecutionPolicy Bypass -File "%PS1%" -File "%FILE%" -SaveAs "%SAVEAS%" -ChunkSize %CHUNK%{{if .RequireAPIKey}} -ApiKey "%APIKEY%"{{end}} %QUIETFLAG%
set "RC=%ERRORLEVEL%"
del /q "%PS1%" >nul 2>&1
exit /b %RC%

:usage
echo usage: %~nx0 --file ^<path^> [--save-as ^<name^>] [--chunk-size ^<MiB^>] [--quiet]{{if .RequireAPIKey}} --api-key ^<key^>{{end}}
exit /b 2
`
