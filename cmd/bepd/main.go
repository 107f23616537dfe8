// Command bepd runs a Block Exchange Protocol session endpoint: it accepts
// mutually authenticated connections from peers, exchanges cluster
// configuration and file indexes, and answers block requests. Its leveldb
// store holds no block data, so every block request is answered with
// NO_SUCH_FILE.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"

	_ "github.com/bepfleet/bepd/internal/automaxprocs"
	"github.com/bepfleet/bepd/internal/tlsutil"
	"github.com/bepfleet/bepd/events"
	"github.com/bepfleet/bepd/listener"
	"github.com/bepfleet/bepd/logger"
	"github.com/bepfleet/bepd/model"
	"github.com/bepfleet/bepd/protocol"
)

const (
	clientName    = "bepd"
	clientVersion = "0.1.0"
)

type cli struct {
	Cert          string `default:"./cert.pem" help:"Certificate file; generated on first run if missing."`
	Key           string `default:"./key.pem" help:"Private key file; generated on first run if missing."`
	DataDir       string `default:"./data" help:"Directory for the leveldb index store."`
	Listen        string `default:":22000" help:"Listen address for peer connections."`
	MetricsListen string `help:"Listen address for the Prometheus /metrics endpoint. Disabled if unset."`
	Compression   string `default:"metadata" enum:"never,metadata,always" help:"Compression policy for outgoing messages."`
	Debug         bool   `default:"false" help:"Enable debug logging."`
}

func (c *cli) Run() error {
	log := logger.DefaultLogger
	if c.Debug {
		log.SetDebug("main", true)
	}

	cert, err := loadOrGenerateCert(c.Cert, c.Key)
	if err != nil {
		return fmt.Errorf("certificate: %w", err)
	}
	local := protocol.NewDeviceID(cert.Certificate[0])
	log.Infof("local device ID is %s", local)

	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	storage, err := model.NewLevelDBStorage(c.DataDir)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer storage.Close()

	var compression protocol.Compression
	if err := compression.UnmarshalText([]byte(c.Compression)); err != nil {
		return err
	}

	m := model.New(local, clientName, clientVersion, storage, events.NewLogger())

	tlsConfig := tlsutil.SecureDefault()
	tlsConfig.Certificates = []tls.Certificate{cert}

	main := suture.New("bepd", suture.Spec{})
	main.Add(listener.New(c.Listen, tlsConfig, local, m, compression))

	if c.MetricsListen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(c.MetricsListen, mux); err != nil {
				log.Warnf("metrics server: %v", err)
			}
		}()
	}

	return main.Serve(context.Background())
}

func loadOrGenerateCert(certFile, keyFile string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if os.IsNotExist(err) {
		return tlsutil.NewCertificate(certFile, keyFile, clientName, 20*365)
	}
	return cert, err
}

func main() {
	var c cli
	ctx := kong.Parse(&c, kong.Name("bepd"), kong.Description("Block Exchange Protocol session endpoint"))
	ctx.FatalIfErrorf(ctx.Run())
}
