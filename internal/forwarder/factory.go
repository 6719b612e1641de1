package forwarder

import (
	"fmt"
	"time"

	"github.com/scottbrown/splunkout/internal/ack"
	"github.com/scottbrown/splunkout/internal/config"
	"github.com/scottbrown/splunkout/internal/encoder"
	"github.com/scottbrown/splunkout/internal/metadata"
	"github.com/scottbrown/splunkout/internal/transport"
)

// NewFromConfig builds the forwarder described by a validated output
// configuration.
func NewFromConfig(out config.OutputConfig, opts ...ack.Option) (Forwarder, error) {
	switch out.Type {
	case config.TypeHEC, "":
		format := encoder.FormatEnvelope
		if out.Raw {
			format = encoder.FormatRaw
		}

		retryLimit := ack.DefaultRetryLimit
		if out.AckRetryLimit != nil {
			retryLimit = *out.AckRetryLimit
		}

		return NewHEC(HECConfig{
			HTTP: transport.HTTPConfig{
				Host:    out.Host,
				Port:    out.Port,
				Token:   out.Token,
				Channel: out.Channel,
				TLS:     tlsOptions(out),
				UseGzip: out.Gzip,
				Timeout: time.Duration(out.RequestTimeoutSeconds) * time.Second,
			},
			Encoder: encoderConfig(out, format),
			UseAck:  out.UseAck,
			Ack: ack.Config{
				RetryLimit: retryLimit,
				Interval:   out.AckIntervalDuration(),
			},
		}, opts...)
	case config.TypeTCP:
		return NewTCP(TCPConfig{
			Socket: transport.SocketConfig{
				Host:        out.Host,
				Port:        out.Port,
				TLS:         tlsOptions(out),
				DialTimeout: time.Duration(out.DialTimeoutSeconds) * time.Second,
			},
			Encoder: encoderConfig(out, encoder.Format(out.Format)),
		})
	default:
		return nil, fmt.Errorf("invalid output type %q", out.Type)
	}
}

func encoderConfig(out config.OutputConfig, format encoder.Format) encoder.Config {
	useTime := true
	if out.UseFluentdTime != nil {
		useTime = *out.UseFluentdTime
	}
	lineBreaker := ""
	if out.LineBreaker != nil {
		lineBreaker = *out.LineBreaker
	}

	return encoder.Config{
		Format: format,
		Metadata: metadata.Config{
			Host:         metadata.Rule{Key: out.HostKey, Remove: out.RemoveHostKey, Default: out.DefaultHost},
			Source:       metadata.Rule{Key: out.SourceKey, Remove: out.RemoveSourceKey, Default: out.DefaultSource},
			Index:        metadata.Rule{Key: out.IndexKey, Remove: out.RemoveIndexKey, Default: out.DefaultIndex},
			SourceType:   metadata.Rule{Key: out.SourceTypeKey, Remove: out.RemoveSourceTypeKey, Default: out.DefaultSourceType},
			UseEventTime: useTime,
		},
		EventKey:    out.EventKey,
		TimeKey:     out.TimeKey,
		TimeFormat:  out.TimeFormat,
		LocalTime:   out.LocalTime,
		LineBreaker: lineBreaker,
	}
}

func tlsOptions(out config.OutputConfig) transport.TLSOptions {
	return transport.TLSOptions{
		Enabled:       out.UseSSL,
		Verify:        out.SSLVerify,
		CAFile:        out.CAFile,
		ClientCert:    out.ClientCert,
		ClientKey:     out.ClientKey,
		ClientKeyPass: out.ClientKeyPass,
	}
}
