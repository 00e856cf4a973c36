// trafficgen publishes synthetic raw network events on the rawevents
// topic, for exercising the pipeline in environments without live capture.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/sentinel/internal/bus"
	"github.com/sentinelops/sentinel/internal/model"
)

type flow struct {
	src, dst, proto string
	burst           bool
}

func main() {
	natsURL := flag.String("nats", "nats://localhost:4222", "NATS server URL")
	rate := flag.Int("rate", 50, "events per second")
	duration := flag.Duration("duration", 60*time.Second, "how long to generate")
	burstFrac := flag.Float64("burst", 0.2, "fraction of flows that burst")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{}))

	eventBus, err := bus.NewNATSBus(*natsURL, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer eventBus.Close()

	runID := uuid.NewString()
	logger.Info("traffic generation started",
		"run_id", runID, "rate", *rate, "duration", duration.String())

	flows := make([]flow, 20)
	for i := range flows {
		flows[i] = flow{
			src:   randomIP(),
			dst:   randomIP(),
			proto: []string{"tcp", "udp", "icmp"}[rand.Intn(3)],
			burst: rand.Float64() < *burstFrac,
		}
	}

	ticker := time.NewTicker(time.Second / time.Duration(*rate))
	defer ticker.Stop()
	deadline := time.After(*duration)
	sent := 0
	for {
		select {
		case <-deadline:
			logger.Info("traffic generation finished", "run_id", runID, "events", sent)
			return
		case <-ticker.C:
			f := flows[rand.Intn(len(flows))]
			size := 200 + rand.Intn(1200)
			if f.burst {
				size = 2000 + rand.Intn(8000)
			}
			evt := model.RawEvent{
				Src:       f.src,
				Dst:       f.dst,
				Proto:     f.proto,
				SizeBytes: size,
				Timestamp: model.Now(),
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := eventBus.Publish(bus.TopicRawEvents, data); err != nil {
				logger.Warn("publish failed", "error", err)
				continue
			}
			sent++
		}
	}
}

func randomIP() string {
	return fmt.Sprintf("%d.%d.%d.%d",
		rand.Intn(223)+1, rand.Intn(255), rand.Intn(255), rand.Intn(254)+1)
}
