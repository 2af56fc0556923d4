// Command chatter drives the orchestrator with synthetic conversation
// chains in-process: no server, no transport, just concurrent callers of
// internal/orchestrator.ChatCompletionStream, since this core ships with
// no HTTP adapter.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/edgenai/edgen-infer/internal/backend"
	"github.com/edgenai/edgen-infer/internal/device"
	xglog "github.com/edgenai/edgen-infer/internal/log"
	"github.com/edgenai/edgen-infer/internal/orchestrator"
	"github.com/edgenai/edgen-infer/internal/request"
	"github.com/edgenai/edgen-infer/internal/settings"
	"github.com/edgenai/edgen-infer/internal/status"
)

var startPrompts = []string{
	"Hello!",
	"Please give me a number between 1 and 50.",
	"Please tell me a short story.",
	"Please tell me a long story.",
	"What is the capital of Portugal?",
	"What is the current weather like in France?",
}

var continuePrompts = []string{
	"Please continue.",
	"Tell me more.",
	"Can you give me more details?",
	"I don't understand.",
}

const largeContext = "Gordon Freeman, a recently employed theoretical physicist, investigates an anomalous crystalline artifact whose resonance cascade tears open a dimensional rift, and the resulting invasion reshapes the next two decades of his life."

var largePrompts = []string{
	"Please resume the story.",
	"Please give a summary of the story.",
	"Do you think the protagonist's actions were correct?",
	"Please write a story similar to this one.",
}

type chatArgs struct {
	requests       int
	continueChance float64
	chanceDecay    float64
	minIdle        float64
	maxIdle        float64
	messageLimit   int
	largeChance    float64
}

type requestStats struct {
	firstToken time.Duration
	allTokens  []time.Duration
}

func main() {
	var a chatArgs
	flag.IntVar(&a.requests, "requests", 10, "total number of requests sent")
	flag.Float64Var(&a.continueChance, "continue-chance", 0.6, "base chance that a conversation continues")
	flag.Float64Var(&a.chanceDecay, "chance-decay", 0.05, "decrease in continue chance per successive message")
	flag.Float64Var(&a.minIdle, "min-idle", 0.05, "minimum seconds to wait before a request")
	flag.Float64Var(&a.maxIdle, "max-idle", 0.2, "maximum seconds to wait before a request")
	flag.IntVar(&a.messageLimit, "message-limit", 64, "maximum tokens accepted per response")
	flag.Float64Var(&a.largeChance, "large-chance", 0.0, "chance a chain starts with a large context")
	flag.Parse()

	if a.minIdle > a.maxIdle {
		fmt.Fprintln(os.Stderr, "minimum idle time cannot be higher than the maximum")
		os.Exit(2)
	}

	xglog.Configure(xglog.Config{Level: "warn", Service: "chatter"})
	orch, cleanup := buildOrchestrator()
	defer cleanup()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var chains []int
	chain := 0
	for i := 0; i < a.requests; i++ {
		chance := math.Max(a.continueChance-a.chanceDecay*float64(chain), 0.0)
		chain++
		if chance < rng.Float64() {
			chains = append(chains, chain)
			chain = 0
		}
	}
	if chain > 0 {
		chains = append(chains, chain)
	}

	statsCh := make(chan requestStats, a.requests)
	var wg sync.WaitGroup
	for id, count := range chains {
		wg.Add(1)
		go func(id, count int) {
			defer wg.Done()
			runChain(orch, a, count, id, statsCh)
		}(id, count)
	}
	go func() {
		wg.Wait()
		close(statsCh)
	}()

	var firstTokens, allTokens, allTokensNoFirst []time.Duration
	var tokenCounts []int
	for s := range statsCh {
		firstTokens = append(firstTokens, s.firstToken)
		allTokens = append(allTokens, s.allTokens...)
		if len(s.allTokens) > 1 {
			allTokensNoFirst = append(allTokensNoFirst, s.allTokens[1:]...)
		}
		tokenCounts = append(tokenCounts, len(s.allTokens))
	}

	fmt.Println("First token times:")
	printDurationStats(firstTokens)
	fmt.Println("All token times:")
	printDurationStats(allTokens)
	fmt.Println("All token times (without first token):")
	printDurationStats(allTokensNoFirst)
	fmt.Println("Token counts:")
	printIntStats(tokenCounts)
}

func runChain(orch *orchestrator.Orchestrator, a chatArgs, count, index int, statsCh chan<- requestStats) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(index)))

	var history strings.Builder
	history.WriteString("<|SYSTEM|>You are Edgen, a helpful assistant.\n")
	if a.largeChance < rng.Float64() {
		history.WriteString("<|USER|>" + startPrompts[rng.Intn(len(startPrompts))] + "\n")
	} else {
		history.WriteString("<|SYSTEM|>" + largeContext + "\n")
		history.WriteString("<|USER|>" + largePrompts[rng.Intn(len(largePrompts))] + "\n")
	}

	for req := 0; req < count; req++ {
		wait := a.minIdle
		if a.minIdle != a.maxIdle {
			wait = a.minIdle + rng.Float64()*(a.maxIdle-a.minIdle)
		}
		time.Sleep(time.Duration(wait * float64(time.Second)))

		args := orchestrator.CompletionArgs{
			Prompt:    history.String(),
			MaxTokens: a.messageLimit,
		}

		stream, err := orch.ChatCompletionStream(context.Background(), "edgen/faker/faker", args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "chain %d request %d: %v\n", index, req+1, err)
			continue
		}

		stats := requestStats{firstToken: -1}
		t := time.Now()
		var reply strings.Builder
		for {
			chunk, err := stream.Next(context.Background())
			if err != nil {
				break
			}
			now := time.Now()
			d := now.Sub(t)
			t = now
			if stats.firstToken == -1 {
				stats.firstToken = d
			}
			stats.allTokens = append(stats.allTokens, d)
			reply.WriteString(chunk.Text)
			if chunk.EOS {
				break
			}
		}
		stream.Close()

		if len(stats.allTokens) > 0 {
			statsCh <- stats
		}

		history.WriteString("<|ASSISTANT|>" + reply.String() + "\n")
		history.WriteString("<|USER|>" + continuePrompts[rng.Intn(len(continuePrompts))] + "\n")
	}
}

func buildOrchestrator() (*orchestrator.Orchestrator, func()) {
	dir, err := os.MkdirTemp("", "chatter-*")
	if err != nil {
		panic(err)
	}

	store, err := settings.LoadOrCreate(dir, "settings")
	if err != nil {
		panic(err)
	}

	reg := device.NewRegistry(device.NewHostMemory())
	mgr := request.NewManager(reg, request.DefaultHeadroom())
	board := status.New()
	backends := orchestrator.Backends{Faker: backend.NewFakerBackend()}
	downloader := orchestrator.FakerDownloader{Dir: dir}

	orch := orchestrator.New(store, reg, mgr, board, backends, downloader)
	for _, u := range orch.ModelCaches() {
		mgr.RegisterUserOnAll(u)
	}

	return orch, func() {
		orch.Close()
		mgr.Close()
		os.RemoveAll(dir)
	}
}

func printDurationStats(values []time.Duration) {
	if len(values) == 0 {
		fmt.Println("(no samples)")
		return
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, v := range sorted {
		sum += v
	}
	mean := sum / time.Duration(len(sorted))
	median := sorted[len(sorted)/2]
	fmt.Printf("Mean: %s ; Median: %s ; Min: %s ; Max: %s\n", mean, median, sorted[0], sorted[len(sorted)-1])
}

func printIntStats(values []int) {
	if len(values) == 0 {
		fmt.Println("(no samples)")
		return
	}
	sorted := append([]int(nil), values...)
	sort.Ints(sorted)

	sum := 0
	for _, v := range sorted {
		sum += v
	}
	mean := sum / len(sorted)
	median := sorted[len(sorted)/2]
	fmt.Printf("Mean: %d tokens ; Median: %d tokens ; Min: %d tokens ; Max: %d tokens\n", mean, median, sorted[0], sorted[len(sorted)-1])
}
