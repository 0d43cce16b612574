package engine

import (
	"testing"

	"github.com/everydev1618/fleet/protocol"
)

func TestTLSDialerRejectsInvalidHost(t *testing.T) {
	_, err := TLSDialer{}.Dial(protocol.Host{Name: "a", Host: "10.0.0.1", Port: 0})
	if err == nil {
		t.Fatal("Dial() error = nil, want error for port 0")
	}
}

func TestTLSDialerPlain(t *testing.T) {
	e, err := TLSDialer{}.Dial(protocol.Host{Name: "a", Host: "127.0.0.1", Port: 2375})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer e.Close()
}

func TestTLSDialerSecureWithoutCerts(t *testing.T) {
	e, err := TLSDialer{InsecureSkipVerify: true}.Dial(protocol.Host{Name: "a", Host: "127.0.0.1", Port: 2376, Secure: true})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer e.Close()
}

func TestTLSDialerMissingCertDir(t *testing.T) {
	_, err := TLSDialer{CertDir: t.TempDir()}.Dial(protocol.Host{Name: "a", Host: "127.0.0.1", Port: 2376, Secure: true})
	if err == nil {
		t.Fatal("Dial() error = nil, want error for missing certificates")
	}
}
