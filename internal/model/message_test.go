package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want EncryptedPayload
	}{
		{
			name: "signal",
			raw:  `{"version":"signal","data":"AAEC","type":3}`,
			want: EncryptedPayload{Version: VersionSignal, Data: "AAEC", Type: 3},
		},
		{
			name: "tagged legacy",
			raw:  `{"version":"legacy","data":"U2FsdGVkX1"}`,
			want: EncryptedPayload{Version: VersionLegacy, Data: "U2FsdGVkX1"},
		},
		{
			name: "raw legacy string",
			raw:  "U2FsdGVkX19abc",
			want: EncryptedPayload{Version: VersionLegacy, Data: "U2FsdGVkX19abc"},
		},
		{
			name: "json with unknown version",
			raw:  `{"version":"v9","data":"x"}`,
			want: EncryptedPayload{Version: VersionLegacy, Data: `{"version":"v9","data":"x"}`},
		},
		{
			name: "broken json",
			raw:  `{"version":`,
			want: EncryptedPayload{Version: VersionLegacy, Data: `{"version":`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePayload(tt.raw))
		})
	}
}

func TestEncodeParsesBack(t *testing.T) {
	p := EncryptedPayload{Version: VersionSignal, Data: "Zm9v", Type: MessageTypeWhisper}
	assert.Equal(t, p, ParsePayload(p.Encode()))
}

func TestAddressString(t *testing.T) {
	assert.Equal(t, "bob.1", NewAddress("bob").String())
}
