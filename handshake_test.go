package stoq

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/hypermesh-online/stoq/falcon"
	"github.com/hypermesh-online/stoq/internal/testca"
	"github.com/hypermesh-online/stoq/wire"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

// TestFalconHandshakeMismatchedKeyAborts is scenario S4: a peer that signs
// with one keypair but advertises an unrelated public key must have its half
// of the hybrid exchange rejected with HandshakeFailed/CauseFalconAuthFailed,
// rather than the bad signature silently passing or hanging the honest peer.
func TestFalconHandshakeMismatchedKeyAborts(t *testing.T) {
	serverChain, err := testca.Generate()
	require.NoError(t, err)
	serverTLS := &tls.Config{
		Certificates: []tls.Certificate{serverChain},
		NextProtos:   []string{"stoq/1"},
		MinVersion:   tls.VersionTLS13,
	}

	qConf := &quic.Config{EnableDatagrams: true, MaxIdleTimeout: DefaultIdleTimeout}

	ln, err := quic.ListenAddr("[::1]:0", serverTLS, qConf)
	require.NoError(t, err)
	defer ln.Close()

	serverPub, serverPriv, err := falcon.Generate(falcon.Falcon512)
	require.NoError(t, err)

	// The client signs with clientRealPriv but advertises clientWrongPub, an
	// unrelated keypair's public half: the server must reject the signature
	// against the advertised key rather than the key that actually signed it.
	_, clientRealPriv, err := falcon.Generate(falcon.Falcon512)
	require.NoError(t, err)
	clientWrongPub, _, err := falcon.Generate(falcon.Falcon512)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverResult := make(chan error, 1)
	go func() {
		qc, err := ln.Accept(ctx)
		if err != nil {
			serverResult <- err
			return
		}
		_, err = runFalconHandshake(ctx, qc, wire.FalconHybrid, serverPriv, serverPub, false)
		serverResult <- err
	}()

	clientTLS := &tls.Config{
		NextProtos:         []string{"stoq/1"},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
	}
	qc, err := quic.DialAddr(ctx, ln.Addr().String(), clientTLS, qConf)
	require.NoError(t, err)
	_, clientErr := runFalconHandshake(ctx, qc, wire.FalconHybrid, clientRealPriv, clientWrongPub, true)
	// The client only verifies the honest server's signature, which is
	// correctly bound to serverPub, so its own side of the exchange succeeds.
	require.NoError(t, clientErr)

	serverErr := <-serverResult
	require.Error(t, serverErr)
	te, ok := AsTransportError(serverErr)
	require.True(t, ok)
	require.Equal(t, HandshakeFailed, te.Code)
	require.Equal(t, CauseFalconAuthFailed, te.Cause)
}
