package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"syscall"
	"time"

	"linkchess/benchmark"
	"linkchess/configs"
	"linkchess/network/room"
)

var (
	role       string
	addr       string
	props      string
	debug      bool
	traceRun   bool
	cpuProfile string
	memProfile string

	target  string
	pairs   int
	viewers int
	think   time.Duration
	sk      float64
	warm    time.Duration
	dur     time.Duration
	plies   int
)

func usage() {
	flag.PrintDefaults()
}

func init() {
	flag.StringVar(&role, "role", "server", "the process to start, 'server' to serve or 'bench' to drive load")
	flag.StringVar(&addr, "addr", configs.ListenAddress, "the listen address for the server")
	flag.StringVar(&props, "props", configs.ConfigFileLocation, "the properties file overlaid on env config")
	flag.BoolVar(&debug, "debug", false, "log debug info into debug file")
	flag.BoolVar(&traceRun, "trace", false, "write a runtime trace into logs/")
	flag.StringVar(&cpuProfile, "cpu_prof", "", "write cpu profiling")
	flag.StringVar(&memProfile, "mem_prof", "", "write memory profiling")

	flag.StringVar(&target, "target", configs.BenchTarget, "the base URL of the server under load")
	flag.IntVar(&pairs, "pairs", configs.BenchPairs, "the number of bot pairs playing games")
	flag.IntVar(&viewers, "viewers", configs.BenchSpectators, "the number of spectator bots")
	flag.DurationVar(&think, "think", configs.BenchThinkTime, "the think time between bot moves")
	flag.Float64Var(&sk, "skew", configs.BenchSkew, "the skew factor for spectator zipf targeting")
	flag.DurationVar(&warm, "warm", configs.BenchWarmUp, "the warm-up time before the measured window")
	flag.DurationVar(&dur, "dur", configs.BenchDuration, "the measured window length")
	flag.IntVar(&plies, "plies", configs.BenchMaxPlies, "the ply cap before a bot game is resigned")

	flag.Usage = usage
}

func main() {
	flag.Parse()

	configs.LoadEnv()
	configs.LoadProperties(props)
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			configs.ListenAddress = addr
		case "debug":
			configs.ShowDebugInfo = debug
			configs.ShowWarnings = configs.ShowWarnings || debug
			configs.ShowTestInfo = configs.ShowTestInfo || debug
		case "trace":
			configs.TraceFile = traceRun
		case "target":
			configs.BenchTarget = target
		case "pairs":
			configs.BenchPairs = pairs
		case "viewers":
			configs.BenchSpectators = viewers
		case "think":
			configs.BenchThinkTime = think
		case "skew":
			configs.BenchSkew = sk
		case "warm":
			configs.BenchWarmUp = warm
		case "dur":
			configs.BenchDuration = dur
		case "plies":
			configs.BenchMaxPlies = plies
		}
	})

	if debug {
		if err := os.MkdirAll("logs", 0755); err != nil {
			log.Fatalf("error creating logs dir: %v", err)
		}
		f, err := os.OpenFile(fmt.Sprintf("logs/logfiles_%v.log", time.Now().String()), os.O_RDWR|os.O_CREATE, 0666)
		if err != nil {
			log.Fatalf("error opening file: %v", err)
		}
		defer f.Close()
		log.SetOutput(io.Writer(f))
		configs.LogToFile = true
	}

	if configs.TraceFile {
		if err := os.MkdirAll("logs", 0755); err != nil {
			log.Fatalf("error creating logs dir: %v", err)
		}
		traceFile, err := os.OpenFile(fmt.Sprintf("logs/trace_%v.log", time.Now().String()), os.O_RDWR|os.O_CREATE, 0666)
		if err != nil {
			log.Fatalf("error opening file: %v", err)
		}
		defer traceFile.Close()
		if err = trace.Start(traceFile); err != nil {
			panic(err)
		}
		defer trace.Stop()
	}
	if cpuProfile != "" {
		f, err := os.Create(cpuProfile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	if role == "server" {
		runServer()
	} else if role == "bench" {
		benchmark.TestLoad(configs.BenchTarget)
	} else {
		panic("invalid parameter for role, 'server' to serve or 'bench' to drive load")
	}

	if memProfile != "" {
		f, err := os.Create(memProfile)
		if err != nil {
			log.Fatal("could not create memory profile: ", err)
		}
		defer f.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
	}
}

// runServer blocks until the process is signalled, then drains the
// realtime layer and the stores.
func runServer() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	srv, err := room.NewServer(ctx)
	if err != nil {
		log.Fatalf("server bootstrap failed: %v", err)
	}
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
