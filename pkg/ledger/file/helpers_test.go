package file

import (
	"testing"

	"github.com/lemnk/sudo-agent/pkg/crypto"
)

func newTestSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	signer, err := crypto.NewSigner()
	if err != nil {
		t.Fatal(err)
	}
	return signer
}
