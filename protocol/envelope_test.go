// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"testing"

	"github.com/syncpad-foundation/syncpad/crypto"
	"github.com/syncpad-foundation/syncpad/lib/codec"
)

func roomKey(t *testing.T) *crypto.Key {
	t.Helper()
	material, err := crypto.GenerateKeyMaterial()
	if err != nil {
		t.Fatalf("GenerateKeyMaterial: %v", err)
	}
	key, err := crypto.ImportKey(material)
	if err != nil {
		t.Fatalf("ImportKey: %v", err)
	}
	return key
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env, err := NewDirected(KindOffer, "peer-a", "peer-b", OfferPayload{SDP: "v=0"})
	if err != nil {
		t.Fatalf("NewDirected: %v", err)
	}

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if decoded.Kind != KindOffer || decoded.From != "peer-a" || decoded.To != "peer-b" {
		t.Errorf("decoded header = %+v", decoded)
	}
	var payload OfferPayload
	if err := DecodePayload(decoded.Payload, &payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.SDP != "v=0" {
		t.Errorf("SDP = %q, want %q", payload.SDP, "v=0")
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	data, err := codec.Marshal(Envelope{Kind: "gossip", From: "peer-a"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := Decode(data); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Decode = %v, want ErrUnknownKind", err)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	if _, err := Decode([]byte{0xff, 0x00, 0x13}); err == nil {
		t.Error("Decode accepted garbage bytes")
	}
	data, err := codec.Marshal(Envelope{Kind: KindHello})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := Decode(data); err == nil {
		t.Error("Decode accepted envelope without sender")
	}
}

func TestDirectedAt(t *testing.T) {
	broadcast := Envelope{Kind: KindHello, From: "a"}
	directed := Envelope{Kind: KindOffer, From: "a", To: "b"}

	if !broadcast.DirectedAt("anyone") {
		t.Error("broadcast envelope not delivered to arbitrary peer")
	}
	if !directed.DirectedAt("b") {
		t.Error("directed envelope not delivered to its target")
	}
	if directed.DirectedAt("c") {
		t.Error("directed envelope delivered to a non-target")
	}
}

func TestAllowedFor(t *testing.T) {
	env := Envelope{Kind: KindChat, From: "a", Allow: []string{"a", "b"}}
	if !env.AllowedFor("b") {
		t.Error("listed peer rejected")
	}
	if env.AllowedFor("c") {
		t.Error("unlisted peer accepted")
	}
	if !(Envelope{Kind: KindChat, From: "a"}).AllowedFor("c") {
		t.Error("envelope without allow list rejected")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := roomKey(t)

	env, err := New(KindChat, "peer-a", ChatPayload{ID: "m1", Text: "hi", Timestamp: 42})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := env.Seal(key); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if env.Sealed == nil || len(env.Payload) != 0 {
		t.Fatal("Seal left payload in the clear")
	}

	opened, err := env.Open(key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var payload ChatPayload
	if err := DecodePayload(opened, &payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.Text != "hi" {
		t.Errorf("text = %q, want %q", payload.Text, "hi")
	}
}

func TestOpenSealedWithoutKey(t *testing.T) {
	key := roomKey(t)
	env, err := New(KindChat, "peer-a", ChatPayload{ID: "m1", Text: "hi"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := env.Seal(key); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := env.Open(nil); !errors.Is(err, ErrNoKey) {
		t.Errorf("Open without key = %v, want ErrNoKey", err)
	}
}

func TestOpenSealedWithWrongKey(t *testing.T) {
	sender := roomKey(t)
	receiver := roomKey(t)

	env, err := New(KindDocUpdate, "peer-a", DocUpdatePayload{Update: "ZGVsdGE="})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := env.Seal(sender); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := env.Open(receiver); !errors.Is(err, crypto.ErrAuthentication) {
		t.Errorf("Open with wrong key = %v, want ErrAuthentication", err)
	}
}

func TestSealWithoutKeyIsCleartextMode(t *testing.T) {
	env, err := New(KindText, "peer-a", TextPayload{Text: "degraded"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := env.Seal(nil); err != nil {
		t.Fatalf("Seal(nil): %v", err)
	}
	if env.Sealed != nil {
		t.Error("Seal(nil) produced a sealed box")
	}
	opened, err := env.Open(nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var payload TextPayload
	if err := DecodePayload(opened, &payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.Text != "degraded" {
		t.Errorf("text = %q", payload.Text)
	}
}
