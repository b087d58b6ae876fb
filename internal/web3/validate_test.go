package web3

import "testing"

func TestValidAddress(t *testing.T) {
	valid := []string{
		"0x8ba1f109551bD432803012645Ac136ddd64DBA72",
		"  0x8ba1f109551bd432803012645ac136ddd64dba72  ",
	}
	for _, addr := range valid {
		if !ValidAddress(addr) {
			t.Fatalf("expected valid address: %s", addr)
		}
	}

	invalid := []string{"", "0x123", "not-an-address", "8ba1f109551bD432803012645Ac136ddd64DBA7"}
	for _, addr := range invalid {
		if ValidAddress(addr) {
			t.Fatalf("expected invalid address: %s", addr)
		}
	}
}

func TestValidatePrivateKey(t *testing.T) {
	key := "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	if err := ValidatePrivateKey(key); err != nil {
		t.Fatalf("expected valid key: %v", err)
	}
	if err := ValidatePrivateKey("0x" + key); err != nil {
		t.Fatalf("expected valid prefixed key: %v", err)
	}

	if err := ValidatePrivateKey(""); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if err := ValidatePrivateKey("0xzz"); err == nil {
		t.Fatalf("expected error for non-hex key")
	}
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadChainDefinitions("")
	if err != nil {
		t.Fatalf("empty path should not fail: %v", err)
	}
	if defs.Chains == nil || len(defs.Chains) != 0 {
		t.Fatalf("expected empty chain map, got %v", defs.Chains)
	}
}
