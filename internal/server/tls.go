package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cubbystore/cubby/internal/kv"
)

// certReloadDebounce coalesces the back-to-back file events a certificate
// renewal produces (cert and key are replaced separately).
const certReloadDebounce = 250 * time.Millisecond

// certStore holds the serving certificate behind an atomic pointer so TLS
// handshakes never block on a reload.
type certStore struct {
	certFile string
	keyFile  string
	current  atomic.Pointer[tls.Certificate]
}

// newCertStore loads the initial certificate pair from disk.
func newCertStore(certFile, keyFile string) (*certStore, error) {
	cs := &certStore{certFile: certFile, keyFile: keyFile}
	if err := cs.Reload(); err != nil {
		return nil, err
	}
	return cs, nil
}

// Reload re-reads the certificate pair from disk and swaps it in. A failed
// reload leaves the previous certificate serving.
func (cs *certStore) Reload() error {
	cert, err := tls.LoadX509KeyPair(cs.certFile, cs.keyFile)
	if err != nil {
		return fmt.Errorf("load key pair: %w", err)
	}
	cs.current.Store(&cert)
	return nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (cs *certStore) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return cs.current.Load(), nil
}

// relevant reports whether a filesystem event path belongs to the watched
// certificate pair. Matching on base names tolerates replace-by-rename.
func (cs *certStore) relevant(name string) bool {
	base := filepath.Base(name)
	return base == filepath.Base(cs.certFile) || base == filepath.Base(cs.keyFile)
}

// Watch reloads the certificate when the files change on disk or when a
// message arrives on the cert_update channel. It returns when ctx is
// cancelled.
func (cs *certStore) Watch(ctx context.Context, cache kv.Store) {
	var msgs <-chan string
	if cache != nil {
		ch, cancel, err := cache.Subscribe(ctx, kv.ChannelCertUpdate)
		if err != nil {
			slog.Error("cert subscribe error", "error", err)
		} else {
			msgs = ch
			defer cancel()
		}
	}

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("cert watcher error", "error", err)
	} else {
		defer watcher.Close()
		// Watch the parent directories: renewals replace the files by
		// rename, which would drop a watch on the file itself.
		dirs := map[string]struct{}{
			filepath.Dir(cs.certFile): {},
			filepath.Dir(cs.keyFile):  {},
		}
		for dir := range dirs {
			if err := watcher.Add(dir); err != nil {
				slog.Error("cert watch error", "dir", dir, "error", err)
			}
		}
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	debounce := time.NewTimer(certReloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	armed := false

	reload := func(reason string) {
		if err := cs.Reload(); err != nil {
			slog.Error("certificate reload error", "reason", reason, "error", err)
			return
		}
		slog.Info("certificate reloaded", "reason", reason, "cert", cs.certFile)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			reload("cert_update")
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !cs.relevant(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(certReloadDebounce)
			armed = true
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			slog.Error("cert watcher error", "error", err)
		case <-debounce.C:
			if armed {
				armed = false
				reload("file change")
			}
		}
	}
}
