package domain

import "testing"

func TestParseBoardConfig(t *testing.T) {
	cfg, err := ParseBoardConfig([]byte("companies:\n  - Acme\n  - \" Globex \"\n  - Acme\n  - \"\"\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Companies) != 2 || cfg.Companies[0] != "Acme" || cfg.Companies[1] != "Globex" {
		t.Fatalf("unexpected companies: %#v", cfg.Companies)
	}
	if !cfg.HasCompany("Globex") || cfg.HasCompany("Initech") {
		t.Fatalf("HasCompany mismatch")
	}
}

func TestParseBoardConfigRejectsEmpty(t *testing.T) {
	if _, err := ParseBoardConfig([]byte("companies: []\n")); err == nil {
		t.Fatalf("expected error for empty company list")
	}
}

func TestLoadBoardConfigDefaults(t *testing.T) {
	cfg, err := LoadBoardConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Companies) != len(DefaultCompanies) {
		t.Fatalf("expected defaults, got %#v", cfg.Companies)
	}
}
