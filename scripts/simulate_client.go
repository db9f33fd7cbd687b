// Command simulate_client is a demo endpoint agent: it connects to a
// running coordinator, registers, reports one indicator, and
// prints every ioc_verified / client_status event it receives.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ocx/threatfabric/pkg/intelclient"
)

func main() {
	exchangeURL := os.Getenv("EXCHANGE_URL")
	if exchangeURL == "" {
		exchangeURL = "ws://localhost:8080/ws"
	}

	client := intelclient.New(intelclient.Config{
		ExchangeURL: exchangeURL,
		ClientID:    "demo-endpoint-01",
		Hostname:    "demo-host",
		Version:     "0.1.0",
	}, intelclient.Handlers{
		OnVerified: func(ioc intelclient.IOC) {
			fmt.Printf("ioc_verified: %s %s (%s)\n", ioc.Type, ioc.Value, ioc.ThreatLevel)
		},
		OnClientStatus: func(clientID string, online bool, trust float64) {
			fmt.Printf("client_status: %s online=%v trust=%.2f\n", clientID, online, trust)
		},
		OnSync: func(iocs []intelclient.IOC, cursor int64) {
			fmt.Printf("sync_response: %d ioc(s), cursor=%d\n", len(iocs), cursor)
		},
		OnAck: func(iocID, status string) {
			fmt.Printf("report_ack: %s -> %s\n", iocID, status)
		},
		OnNack: func(reason string) {
			fmt.Printf("report_nack: %s\n", reason)
		},
	})

	if err := client.Connect(); err != nil {
		log.Fatalf("connect failed: %v", err)
	}
	defer client.Close()

	time.Sleep(500 * time.Millisecond)

	if err := client.ReportThreat(intelclient.Submission{
		Type:        "ip_address",
		Value:       "203.0.113.42",
		ThreatLevel: "high",
		Metadata:    map[string]string{"source": "endpoint-agent"},
	}); err != nil {
		log.Printf("report_threat failed: %v", err)
	}

	time.Sleep(10 * time.Second)
}
