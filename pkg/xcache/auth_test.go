package xcache

import "testing"

func TestDeriveChannelTokenIsDeterministic(t *testing.T) {
	p := &Principal{Name: "client", Secret: []byte("shared-secret")}

	a := deriveChannelToken(p, "NamedCacheService")
	b := deriveChannelToken(p, "NamedCacheService")
	if !verifyChannelToken(a, b) {
		t.Errorf("deriveChannelToken is not deterministic for the same principal/service pair")
	}
}

func TestDeriveChannelTokenDiffersByServiceName(t *testing.T) {
	p := &Principal{Name: "client", Secret: []byte("shared-secret")}

	a := deriveChannelToken(p, "ServiceA")
	b := deriveChannelToken(p, "ServiceB")
	if verifyChannelToken(a, b) {
		t.Errorf("tokens for different service names must not match, a token for one service could be replayed against the other")
	}
}

func TestDeriveChannelTokenNilWithoutSecret(t *testing.T) {
	if tok := deriveChannelToken(nil, "svc"); tok != nil {
		t.Errorf("deriveChannelToken(nil, ...) = %x, want nil", tok)
	}
	if tok := deriveChannelToken(&Principal{Name: "x"}, "svc"); tok != nil {
		t.Errorf("deriveChannelToken with empty secret = %x, want nil", tok)
	}
}
