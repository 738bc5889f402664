package config

import "testing"

func TestParseValidConfig(t *testing.T) {
	doc := []byte(`
server:
  bind_addr: "0.0.0.0:2333"
  transport:
    type: tcp
  services:
    web:
      name: web
      token: t0k
      bind_addr: "127.0.0.1:18080"
`)
	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.BindAddr != "0.0.0.0:2333" {
		t.Fatalf("bind_addr: got %q", cfg.Server.BindAddr)
	}
	svc, ok := cfg.Server.Services["web"]
	if !ok {
		t.Fatal("expected service `web`")
	}
	if svc.Token != "t0k" || svc.BindAddr != "127.0.0.1:18080" {
		t.Fatalf("service web: got %+v", svc)
	}
}

func TestParseRejectsMissingServerBlock(t *testing.T) {
	if _, err := Parse([]byte(`foo: bar`)); err == nil {
		t.Fatal("expected error for missing server block")
	}
}

func TestParseRejectsIncompleteTLS(t *testing.T) {
	doc := []byte(`
server:
  bind_addr: "0.0.0.0:2333"
  transport:
    type: tls
`)
	if _, err := Parse(doc); err == nil {
		t.Fatal("expected error for tls transport missing cert/key")
	}
}

func TestParseRejectsServiceMissingToken(t *testing.T) {
	doc := []byte(`
server:
  bind_addr: "0.0.0.0:2333"
  services:
    web:
      name: web
      bind_addr: "127.0.0.1:18080"
`)
	if _, err := Parse(doc); err == nil {
		t.Fatal("expected error for service missing token")
	}
}
