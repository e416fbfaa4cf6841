// Command crow-demo drives a single Crow v2 admin transaction against a
// device on a serial line: open the port (retrying if it isn't present
// yet), send one of the CrowAdmin commands, print the result, and exit.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/corvid/crowhost/pkg/admin"
	"github.com/corvid/crowhost/pkg/crow"
	"github.com/corvid/crowhost/pkg/crowserial"
	"github.com/corvid/crowhost/pkg/metrics"
	"github.com/corvid/crowhost/pkg/telemetry"
)

var (
	serialDevice = pflag.StringP("device", "d", "/dev/ttyUSB0", "Serial device path")
	baudRate     = pflag.IntP("baud", "b", 115200, "Serial baud rate")
	address      = pflag.IntP("address", "a", 1, "Device address (0-31)")
	port         = pflag.IntP("port", "p", 0, "Command port (0 is the admin service)")
	propcr       = pflag.Bool("propcr", false, "Use PropCR payload byte ordering")
	command      = pflag.StringP("command", "c", "ping", "Command to send: ping, echo, device-info, open-ports, port-info")
	echoData     = pflag.String("echo-data", "hello", "Payload for the echo command")
	queryPort    = pflag.Int("query-port", 0, "Port number to query for the port-info command")
	openRetries  = pflag.Duration("open-timeout", 10*time.Second, "How long to retry opening the serial device")
	redisAddr    = pflag.String("redis-addr", "", "Redis address for transaction telemetry (disabled if empty)")
	redisChannel = pflag.String("redis-channel", "crow:telemetry", "Redis channel for transaction telemetry")
	metricsAddr  = pflag.String("metrics-addr", "", "Address to serve /metrics on (disabled if empty)")
)

func main() {
	pflag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	logger.Info("crow-demo starting", "device", *serialDevice, "baud", *baudRate, "address", *address)

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			logger.Info("serving metrics", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				logger.Error("metrics server exited", "err", err)
			}
		}()
	}

	sp, err := openWithRetry(*serialDevice, *baudRate, *openRetries, logger)
	if err != nil {
		logger.Fatal("could not open serial device", "err", err)
	}
	defer sp.Release()

	host := crow.NewHost(sp)
	host.Log = logAdapter{logger}
	host.SetAddressSettings(*address, crow.AddressSettings{
		BaudRate: *baudRate,
		StopBits: crow.OneStopBit,
		Timeout:  250 * time.Millisecond,
	})

	if *metricsAddr != "" {
		host.Metrics = metrics.NewCollector(prometheus.DefaultRegisterer)
	}
	if *redisAddr != "" {
		pub, err := telemetry.NewPublisher(*redisAddr, "", 0, *redisChannel)
		if err != nil {
			logger.Warn("telemetry disabled", "err", err)
		} else {
			host.Observer = pub
			defer pub.Close()
		}
	}

	client := admin.New(host, *address)
	client.Port = *port
	client.PropCROrder = *propcr

	if err := run(client, logger); err != nil {
		logger.Fatal("command failed", "command", *command, "err", err)
	}
}

func run(client *admin.Client, logger *log.Logger) error {
	switch *command {
	case "ping":
		rtt, err := client.Ping()
		if err != nil {
			return err
		}
		logger.Info("ping succeeded", "rtt", rtt)
	case "echo":
		if err := client.Echo([]byte(*echoData)); err != nil {
			return err
		}
		logger.Info("echo succeeded")
	case "device-info":
		info, err := client.GetDeviceInfo()
		if err != nil {
			return err
		}
		fmt.Printf("%+v\n", info)
	case "open-ports":
		ports, err := client.GetOpenPorts()
		if err != nil {
			return err
		}
		fmt.Printf("%v\n", ports)
	case "port-info":
		info, err := client.GetPortInfo(*queryPort)
		if err != nil {
			return err
		}
		fmt.Printf("%+v\n", info)
	default:
		return fmt.Errorf("unknown command %q", *command)
	}
	return nil
}

// openWithRetry retries crowserial.Acquire with exponential backoff for up
// to maxElapsed: a device that is plugged in moments after the process
// starts should not require a restart. This retries the host's ability to
// open its own port, not the protocol's command/response exchange, which
// never retries.
func openWithRetry(path string, baud int, maxElapsed time.Duration, logger *log.Logger) (*crowserial.SharedPort, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed

	var sp *crowserial.SharedPort
	op := func() error {
		var err error
		sp, err = crowserial.Acquire(path, baud, crowserial.OneStopBit)
		if err != nil {
			logger.Warn("serial device not available yet, retrying", "path", path, "err", err)
		}
		return err
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return sp, nil
}

type logAdapter struct{ l *log.Logger }

func (a logAdapter) Debug(msg string, keyvals ...any) { a.l.Debug(msg, keyvals...) }
func (a logAdapter) Warn(msg string, keyvals ...any)   { a.l.Warn(msg, keyvals...) }
