package sshx

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/remote"
)

func TestDialWithoutAddressIsPermanent(t *testing.T) {
	_, err := NewDialer().Dial(context.Background(), fleet.Handle{InstanceID: "i-1"})
	if !remote.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestDialMissingKeyIsPermanent(t *testing.T) {
	h := fleet.Handle{InstanceID: "i-1", Host: "127.0.0.1", KeyPath: filepath.Join(t.TempDir(), "nope.pem")}
	_, err := NewDialer().Dial(context.Background(), h)
	if !remote.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestDialGarbageKeyIsPermanent(t *testing.T) {
	key := filepath.Join(t.TempDir(), "bad.pem")
	if err := os.WriteFile(key, []byte("not a key"), 0o400); err != nil {
		t.Fatal(err)
	}
	h := fleet.Handle{InstanceID: "i-1", Host: "127.0.0.1", KeyPath: key}
	_, err := NewDialer().Dial(context.Background(), h)
	if !remote.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func writeTestKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// silentListener accepts connections and never writes to them.
func silentListener(t *testing.T) (port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return ln.Addr().(*net.TCPAddr).Port
}

func TestDialSilentServerHitsTimeout(t *testing.T) {
	port := silentListener(t)
	d := &Dialer{Port: port, Timeout: 200 * time.Millisecond}
	h := fleet.Handle{InstanceID: "i-1", Host: "127.0.0.1", User: "ubuntu", KeyPath: writeTestKey(t)}

	errc := make(chan error, 1)
	go func() {
		_, err := d.Dial(context.Background(), h)
		errc <- err
	}()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("expected handshake error")
		}
		if remote.IsPermanent(err) {
			t.Fatalf("handshake timeout should be retryable, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Dial blocked past its timeout")
	}
}

func TestDialSilentServerHonoursCancel(t *testing.T) {
	port := silentListener(t)
	d := &Dialer{Port: port}
	h := fleet.Handle{InstanceID: "i-1", Host: "127.0.0.1", User: "ubuntu", KeyPath: writeTestKey(t)}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := d.Dial(ctx, h)
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Dial ignored cancellation")
	}
}
