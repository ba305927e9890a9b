package reporting

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeError(t *testing.T) {
	t.Parallel()

	t.Run("assessment id in query", func(t *testing.T) {
		t.Parallel()

		err := `report regeneration failed: assessment deadbeef8315465d9d44cfc238c64f71: read tcp [dead:beef:feb1:d745::c001]:64079->[dead:beef::6811:112a]:5432: read: connection reset by peer`
		want := `report regeneration failed: assessment <uuid>: read tcp <host>-><host>: read: connection reset by peer`
		require.Equal(t, want, sanitizeError(err))
	})

	t.Run("hyphenated assessment id", func(t *testing.T) {
		t.Parallel()

		err := `assessment not found: deadbeef-8108-45ca-8424-cf7ba5929a3e`
		want := `assessment not found: <uuid>`
		require.Equal(t, want, sanitizeError(err))
	})

	t.Run("misc ipv6", func(t *testing.T) {
		t.Parallel()

		ips := []string{
			`1:2:3:4:5:6:7:8`,
			`1::`,
			`1:2:3:4:5:6:7::`,
			`1::8`,
			`1:2:3:4:5:6::8`,
			`1::7:8`,
			`1:2:3:4:5::7:8`,
			`1::6:7:8`,
			`1:2:3:4::6:7:8`,
			`1::5:6:7:8`,
			`1:2:3::5:6:7:8`,
			`1::4:5:6:7:8`,
			`1:2::4:5:6:7:8`,
			`1::3:4:5:6:7:8`,
			`::2:3:4:5:6:7:8`,
			`::8`,
			`::`,
		}
		for _, ip := range ips {
			ip := ip
			t.Run(ip, func(t *testing.T) {
				t.Parallel()

				require.Equal(t, "<host>", sanitizeError(fmt.Sprintf("[%s]:1234", ip)))
			})
		}
	})

	t.Run("no match passes through", func(t *testing.T) {
		t.Parallel()

		err := `delivery callback failed: subscriber rejected payload`
		require.Equal(t, err, sanitizeError(err))
	})
}
