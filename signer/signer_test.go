package signer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sablewood/mediamesh/models"
	"github.com/sablewood/mediamesh/signer"
)

func TestKeySignerSignAndVerify(t *testing.T) {
	s, err := signer.NewKeySigner()
	require.NoError(t, err)
	require.NotEmpty(t, s.PublicKey())

	ev := &models.Event{
		Kind:    models.KindServerList,
		Tags:    [][]string{{"server", "https://media.example.com"}},
		Content: "",
	}
	require.NoError(t, s.Sign(context.Background(), ev))
	require.Equal(t, s.PublicKey(), ev.PubKey)
	require.NotZero(t, ev.CreatedAt)
	require.Equal(t, ev.ComputeID(), ev.ID)
	require.NotEmpty(t, ev.Sig)

	ok, err := signer.Verify(ev)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyRejectsTamperedEvent(t *testing.T) {
	s, err := signer.NewKeySigner()
	require.NoError(t, err)

	ev := &models.Event{Kind: models.KindAuthorization, Tags: [][]string{{"t", "upload"}}}
	require.NoError(t, s.Sign(context.Background(), ev))

	ev.Tags = append(ev.Tags, [][]string{{"x", "deadbeef"}}...)
	_, err = signer.Verify(ev)
	require.Error(t, err)

	var serr *signer.Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, signer.ErrorInvalidHash, serr.Code)
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	a, err := signer.NewKeySigner()
	require.NoError(t, err)
	b, err := signer.NewKeySigner()
	require.NoError(t, err)

	ev := &models.Event{Kind: models.KindServerList}
	require.NoError(t, a.Sign(context.Background(), ev))

	// Claim b's identity over a's signature.
	ev.PubKey = b.PublicKey()
	ev.ID = ev.ComputeID()

	ok, err := signer.Verify(ev)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDelegateSigner(t *testing.T) {
	backing, err := signer.NewKeySigner()
	require.NoError(t, err)

	called := 0
	d, err := signer.NewDelegateSigner(backing.PublicKey(), func(ctx context.Context, ev *models.Event) error {
		called++
		return backing.Sign(ctx, ev)
	})
	require.NoError(t, err)

	ev := &models.Event{Kind: models.KindAuthorization}
	require.NoError(t, d.Sign(context.Background(), ev))
	require.Equal(t, 1, called)

	ok, err := signer.Verify(ev)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDelegateSignerRejection(t *testing.T) {
	d, err := signer.NewDelegateSigner("02abcdef", func(ctx context.Context, ev *models.Event) error {
		return context.Canceled
	})
	require.NoError(t, err)

	err = d.Sign(context.Background(), &models.Event{Kind: models.KindAuthorization})
	require.Error(t, err)

	var serr *signer.Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, signer.ErrorDelegateRejected, serr.Code)
}

func TestExportRoundTrip(t *testing.T) {
	s, err := signer.NewKeySigner()
	require.NoError(t, err)

	secret := []byte("correct horse battery staple")
	blob, err := s.Export(secret)
	require.NoError(t, err)

	restored, err := signer.KeySignerFromEncrypted(secret, blob)
	require.NoError(t, err)
	require.Equal(t, s.PublicKey(), restored.PublicKey())

	// Restored key must produce verifiable signatures.
	ev := &models.Event{Kind: models.KindServerList}
	require.NoError(t, restored.Sign(context.Background(), ev))
	ok, err := signer.Verify(ev)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExportWrongSecret(t *testing.T) {
	s, err := signer.NewKeySigner()
	require.NoError(t, err)

	blob, err := s.Export([]byte("right"))
	require.NoError(t, err)

	_, err = signer.KeySignerFromEncrypted([]byte("wrong"), blob)
	require.Error(t, err)
}

func TestExportRequiresSecret(t *testing.T) {
	s, err := signer.NewKeySigner()
	require.NoError(t, err)

	_, err = s.Export(nil)
	var serr *signer.Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, signer.ErrorSecretRequired, serr.Code)
}
