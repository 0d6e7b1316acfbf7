package authcode

import "testing"

func TestComputeS256Challenge(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got := ComputeS256Challenge(verifier); got != want {
		t.Fatalf("ComputeS256Challenge() = %v, want %v", got, want)
	}
}

func TestValidatePKCE(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	if !ValidatePKCE(verifier, challenge, MethodS256) {
		t.Fatal("expected PKCE validation to pass")
	}
	if ValidatePKCE(verifier, challenge, MethodPlain) {
		t.Fatal("expected plain comparison against an S256 challenge to fail")
	}
	if !ValidatePKCE(verifier, verifier, MethodPlain) {
		t.Fatal("expected plain PKCE validation to pass")
	}
	if !ValidatePKCE(verifier, verifier, "") {
		t.Fatal("expected empty method to behave as plain")
	}
	if ValidatePKCE("short", challenge, MethodS256) {
		t.Fatal("expected PKCE validation to fail for invalid verifier")
	}
	if ValidatePKCE(verifier, "invalid", MethodS256) {
		t.Fatal("expected PKCE validation to fail for mismatched challenge")
	}
	if ValidatePKCE(verifier, challenge, "S512") {
		t.Fatal("expected unknown method to fail")
	}
}

func TestValidateCodeChallenge(t *testing.T) {
	valid := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if !ValidateCodeChallenge(valid) {
		t.Fatal("expected valid code challenge")
	}
	if ValidateCodeChallenge("short") {
		t.Fatal("expected invalid length to fail")
	}
	if ValidateCodeChallenge("E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw+M") {
		t.Fatal("expected invalid characters to fail")
	}
}

func TestValidPKCEMethod(t *testing.T) {
	for _, method := range []string{"", MethodPlain, MethodS256} {
		if !ValidPKCEMethod(method) {
			t.Fatalf("expected %q to be supported", method)
		}
	}
	if ValidPKCEMethod("s256") {
		t.Fatal("expected method names to be case sensitive")
	}
}
