package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	RsaEncryptCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rsa_encrypt_op",
		Help: "Total number of rsa encryption ops.",
	})

	RsaDecryptCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rsa_decrypt_op",
		Help: "Total number of rsa decryption ops.",
	})

	KeyExchangeCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "key_exchange_total",
		Help: "Key exchanges by outcome.",
	}, []string{"status"})

	SessionKeysSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_keys_swept_total",
		Help: "Expired session keys removed by the sweeper.",
	})

	MessagesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messages_relayed_total",
		Help: "Envelopes re-encrypted and delivered to recipients, by outcome.",
	}, []string{"status"})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "connections_active",
		Help: "Open websocket connections.",
	})
)

func Status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
