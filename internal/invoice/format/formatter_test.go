package format

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatInvoiceNumber(t *testing.T) {
	issued := time.Date(2026, 3, 9, 23, 0, 0, 0, time.UTC)

	cases := []struct {
		name     string
		template string
		seq      int64
		want     string
		wantErr  bool
	}{
		{name: "default", template: DefaultInvoiceNumberTemplate, seq: 7, want: "INV-202603-0007"},
		{name: "overflowing pad", template: DefaultInvoiceNumberTemplate, seq: 12345, want: "INV-202603-12345"},
		{name: "plain sequence", template: "{YY}{MM}{DD}/{SEQ}", seq: 42, want: "260309/42"},
		{name: "empty template", template: "", seq: 1, wantErr: true},
		{name: "zero sequence", template: DefaultInvoiceNumberTemplate, seq: 0, wantErr: true},
		{name: "unknown token", template: "INV-{QQ}-{SEQ}", seq: 1, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := FormatInvoiceNumber(tc.template, issued, tc.seq)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPeriodKeyUsesUTC(t *testing.T) {
	jakarta := time.FixedZone("WIB", 7*3600)
	assert.Equal(t, "202602", PeriodKey(time.Date(2026, 3, 1, 5, 0, 0, 0, jakarta)))
}
