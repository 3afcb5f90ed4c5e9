package stoq

import (
	"fmt"
	"time"

	"github.com/hypermesh-online/stoq/config"
	"github.com/hypermesh-online/stoq/falcon"
	"github.com/hypermesh-online/stoq/stoqlog"
	"github.com/hypermesh-online/stoq/wire"
)

// NewTransportFromFile loads a config.EndpointConfig via config.Load(path)
// and builds a Transport from it, the way moto's run.go built its relay
// straight off config.GlobalCfg. certSource and peerResolver are supplied by
// the caller since the on-disk config has no notion of either (spec.md keeps
// certificate issuance and service discovery out of the transport's core).
func NewTransportFromFile(path string, certSource CertificateSource, peerResolver PeerResolver) (*Transport, error) {
	ecfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return NewTransportFromEndpointConfig(ecfg, certSource, peerResolver)
}

// NewTransportFromEndpointConfig converts an already-loaded
// config.EndpointConfig into a Config and builds the Transport: the logger
// is built via stoqlog.New from the config's log section, and the falcon
// mode/key-size string fields are parsed into their typed equivalents.
func NewTransportFromEndpointConfig(ecfg *config.EndpointConfig, certSource CertificateSource, peerResolver PeerResolver) (*Transport, error) {
	local, err := ParseEndpoint(ecfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("stoq: config.listen: %w", err)
	}

	falconMode, err := parseFalconMode(ecfg.Falcon.Mode)
	if err != nil {
		return nil, err
	}
	falconKeyMode, err := parseFalconKeyMode(ecfg.Falcon.Size)
	if err != nil {
		return nil, err
	}

	logger := stoqlog.New(stoqlog.Options{
		Level:    ecfg.Log.Level,
		FilePath: ecfg.Log.Path,
		Console:  true,
	})

	return NewTransport(Config{
		Local:              local,
		CertSource:         certSource,
		PeerResolver:       peerResolver,
		FalconMode:         falconMode,
		FalconKeyMode:      falconKeyMode,
		Logger:             logger,
		PoolMaxPerEndpoint: ecfg.PoolMaxPerEndpoint,
		IdleEvictAfter:     time.Duration(ecfg.IdleEvictSeconds) * time.Second,
	})
}

func parseFalconMode(s string) (wire.FalconMode, error) {
	switch s {
	case "", "off":
		return wire.FalconOff, nil
	case "hybrid":
		return wire.FalconHybrid, nil
	default:
		return 0, fmt.Errorf("stoq: config.falcon.mode: unknown mode %q", s)
	}
}

func parseFalconKeyMode(s string) (falcon.Mode, error) {
	switch s {
	case "", "512":
		return falcon.Falcon512, nil
	case "1024":
		return falcon.Falcon1024, nil
	default:
		return 0, fmt.Errorf("stoq: config.falcon.size: unknown size %q", s)
	}
}
