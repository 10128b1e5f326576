// Command scansim drives simulated entities against a running proximity
// server: tags placed once with lidar-grade samples, users on random walks
// posting position updates at a target rate. Prints an accept/reject and
// latency summary on exit.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/nearfield-data/proximity.live/internal/engine"
	"github.com/nearfield-data/proximity.live/internal/geo"
)

var (
	server   = flag.String("server", "http://localhost:8080", "Base URL of the proximity server")
	entities = flag.Int("entities", 25, "Number of simulated users on random walks")
	tags     = flag.Int("tags", 5, "Number of tags placed at startup")
	rate     = flag.Float64("rate", 50, "Target update rate in requests per second")
	duration = flag.Duration("duration", 30*time.Second, "How long to run the walk phase")
	seed     = flag.Int64("seed", 0, "Random seed (0 uses the current time)")
	lat      = flag.Float64("lat", 37.75950, "Walk area origin latitude")
	lon      = flag.Float64("lon", -122.41470, "Walk area origin longitude")
	workers  = flag.Int("workers", 8, "Concurrent request workers")
)

// walkAreaM bounds entity start offsets; stepM bounds one walk step. Both
// in meters from the origin.
const (
	walkAreaM = 80.0
	stepM     = 1.5
)

type simEntity struct {
	id      string
	kind    engine.EntityKind
	x, y    float64
	created bool
}

// tally aggregates request outcomes across workers.
type tally struct {
	sent     atomic.Int64
	accepted atomic.Int64
	netErrs  atomic.Int64

	mu        sync.Mutex
	rejects   map[int]int
	latencies []float64
}

func (t *tally) reject(status int) {
	t.mu.Lock()
	t.rejects[status]++
	t.mu.Unlock()
}

func (t *tally) observe(d time.Duration) {
	t.mu.Lock()
	t.latencies = append(t.latencies, float64(d)/float64(time.Millisecond))
	t.mu.Unlock()
}

func main() {
	flag.Parse()

	if *entities < 1 || *rate <= 0 {
		fmt.Fprintln(os.Stderr, "need at least one entity and a positive rate")
		os.Exit(1)
	}
	s := *seed
	if s == 0 {
		s = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(s))
	fmt.Printf("scansim: %d users, %d tags, %.1f req/s for %v against %s (seed %d)\n",
		*entities, *tags, *rate, *duration, *server, s)

	// The walk is generated in frame meters and unprojected to geodetic
	// coordinates, mirroring what the engine does in reverse at ingest.
	frame := geo.NewFrame(*lat, *lon, 0)
	client := &http.Client{Timeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	t := &tally{rejects: make(map[int]int)}

	placeTags(ctx, client, frame, rng, t)

	users := make([]*simEntity, *entities)
	for i := range users {
		users[i] = &simEntity{
			id:   fmt.Sprintf("sim-user-%03d", i),
			kind: engine.KindUser,
			x:    (rng.Float64()*2 - 1) * walkAreaM,
			y:    (rng.Float64()*2 - 1) * walkAreaM,
		}
	}

	start := time.Now()
	runWalk(ctx, client, frame, rng, users, t)
	elapsed := time.Since(start)

	printSummary(t, elapsed)
}

// placeTags creates the tag population with lidar-grade placements.
func placeTags(ctx context.Context, client *http.Client, frame *geo.Frame, rng *rand.Rand, t *tally) {
	for i := 0; i < *tags; i++ {
		if ctx.Err() != nil {
			return
		}
		sub := engine.Submission{
			EntityID: fmt.Sprintf("sim-tag-%03d", i),
			Kind:     engine.KindTag,
			Sample: sampleAt(frame,
				(rng.Float64()*2-1)*walkAreaM,
				(rng.Float64()*2-1)*walkAreaM,
				geo.SourceLiDAR, 0.005+rng.Float64()*0.004),
		}
		doPost(client, *server+"/api/v1/scan", sub, t)
	}
}

// runWalk advances users round-robin at the target rate, fanning requests
// over a bounded worker group. Steps are generated on the feeder goroutine
// so the walk itself is deterministic for a fixed seed.
func runWalk(ctx context.Context, client *http.Client, frame *geo.Frame, rng *rand.Rand, users []*simEntity, t *tally) {
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(*workers)

	interval := time.Duration(float64(time.Second) / *rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	next := 0
	for {
		select {
		case <-ctx.Done():
			g.Wait()
			return
		case <-ticker.C:
		}

		u := users[next%len(users)]
		next++

		u.x += (rng.Float64()*2 - 1) * stepM
		u.y += (rng.Float64()*2 - 1) * stepM

		var url string
		var payload interface{}
		if !u.created {
			u.created = true
			url = *server + "/api/v1/scan"
			payload = engine.Submission{
				EntityID: u.id,
				Kind:     u.kind,
				Sample:   sampleAt(frame, u.x, u.y, geo.SourceGPS, 2+rng.Float64()*4),
			}
		} else {
			url = *server + "/api/v1/location"
			payload = map[string]interface{}{
				"entity_id": u.id,
				"sample":    sampleAt(frame, u.x, u.y, geo.SourceGPS, 2+rng.Float64()*4),
			}
		}

		g.Go(func() error {
			doPost(client, url, payload, t)
			return nil
		})
	}
}

func sampleAt(frame *geo.Frame, x, y float64, src geo.SourceKind, accM float64) geo.Sample {
	sLat, sLon, sAlt := frame.Unproject(geo.Point{X: x, Y: y})
	return geo.Sample{
		Latitude:            sLat,
		Longitude:           sLon,
		AltitudeM:           sAlt,
		HorizontalAccuracyM: accM,
		Timestamp:           time.Now().UTC(),
		Source:              src,
	}
}

func doPost(client *http.Client, url string, payload interface{}, t *tally) {
	body, err := json.Marshal(payload)
	if err != nil {
		t.netErrs.Add(1)
		return
	}
	t.sent.Add(1)

	start := time.Now()
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.netErrs.Add(1)
		return
	}
	t.observe(time.Since(start))
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		t.accepted.Add(1)
	} else {
		t.reject(resp.StatusCode)
	}
}

func printSummary(t *tally, elapsed time.Duration) {
	sent := t.sent.Load()
	fmt.Println("--- scansim summary ---")
	fmt.Printf("sent:     %d (%.1f/s actual)\n", sent, float64(sent)/elapsed.Seconds())
	fmt.Printf("accepted: %d\n", t.accepted.Load())

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.rejects) > 0 {
		statuses := make([]int, 0, len(t.rejects))
		for code := range t.rejects {
			statuses = append(statuses, code)
		}
		sort.Ints(statuses)
		fmt.Print("rejected: ")
		for i, code := range statuses {
			if i > 0 {
				fmt.Print(", ")
			}
			fmt.Printf("%d x%d", code, t.rejects[code])
		}
		fmt.Println()
	}
	if n := t.netErrs.Load(); n > 0 {
		fmt.Printf("transport errors: %d\n", n)
	}
	if len(t.latencies) > 0 {
		sort.Float64s(t.latencies)
		fmt.Printf("latency:  p50=%.1fms p95=%.1fms p99=%.1fms max=%.1fms\n",
			stat.Quantile(0.50, stat.Empirical, t.latencies, nil),
			stat.Quantile(0.95, stat.Empirical, t.latencies, nil),
			stat.Quantile(0.99, stat.Empirical, t.latencies, nil),
			t.latencies[len(t.latencies)-1])
	}
}
