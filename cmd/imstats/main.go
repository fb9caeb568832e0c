// Copyright (C) 2021 The imstats authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"time"

	"github.com/pbnjay/memory"
	"github.com/valyala/fastrand"

	"github.com/deepskies/imstats/internal/image"
	nllog "github.com/deepskies/imstats/internal/log"
	"github.com/deepskies/imstats/internal/reject"
	"github.com/deepskies/imstats/internal/rest"
	"github.com/deepskies/imstats/internal/stats"
)

const version = "0.1.0"

var totalMiBs = memory.TotalMemory() / 1024 / 1024

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var logF = flag.String("log", "", "save log output to `file` in addition to stdout")

var httpAddr = flag.String("http", ":8080", "serve: address to listen on")
var chroot = flag.String("chroot", "", "serve: sandbox into this chroot directory (requires root)")
var setuid = flag.Int("setuid", -1, "serve: drop privileges to this user id, -1=no op")

var frames = flag.Int("frames", 16, "bench: number of synthetic frames")
var width = flag.Int("width", 1024, "bench: frame width in pixels")
var height = flag.Int("height", 1024, "bench: frame height in pixels")

var stMode = flag.String("stMode", "auto", "stacking rejection algorithm: mean, median, percentile, sigma, sigmaMedian, winsorized, linearFit, gesdt, auto")
var stWeight = flag.String("stWeight", "none", "stacking weights: none, exposure, inverseNoise")
var stSigLow = flag.Float64("stSigLow", 2.75, "low sigma for stacking as multiple of standard deviations")
var stSigHigh = flag.Float64("stSigHigh", 2.75, "high sigma for stacking as multiple of standard deviations")

var lsEst = flag.Int64("lsEst", 2, "location and scale estimators 0=mean/stddev, 1=median/MAD, 2=IKSS, 3=histogram peak")

var stackModes = map[string]reject.Algorithm{
	"mean": reject.AlgMean, "median": reject.AlgMedian,
	"percentile": reject.AlgPercentile, "sigma": reject.AlgSigma,
	"sigmaMedian": reject.AlgSigmaMedian, "winsorized": reject.AlgWinsorized,
	"linearFit": reject.AlgLinearFit, "gesdt": reject.AlgGESDT,
	"auto": reject.AlgAuto,
}

var stackWeights = map[string]reject.Weighting{
	"none": reject.WeightNone, "exposure": reject.WeightExposure,
	"inverseNoise": reject.WeightInverseNoise,
}

func main() {
	debug.SetGCPercent(10)
	start := time.Now()
	flag.Usage = func() {
		fmt.Fprintf(os.Stdout, `Imstats Copyright (c) 2021 The imstats authors
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (serve|bench|version)

Commands:
  serve   Run the REST API for statistics and stacking
  bench   Run a synthetic statistics and stacking benchmark
  version Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *logF != "" {
		if err := nllog.AlsoToFile(*logF); err != nil {
			nllog.Fatalf("Unable to open logfile '%s'\n", *logF)
		}
	}
	defer nllog.Sync()

	// Enable CPU profiling if flagged
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			nllog.Fatal("Could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			nllog.Fatal("Could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}

	switch args[0] {
	case "serve":
		nllog.Printf("Serving requests on %s with %d MiB physical memory\n", *httpAddr, totalMiBs)
		if err := rest.Serve(*httpAddr, *chroot, *setuid); err != nil {
			nllog.Fatalf("Serve: %s\n", err.Error())
		}

	case "bench":
		if err := bench(); err != nil {
			nllog.Fatalf("Bench: %s\n", err.Error())
		}

	case "version":
		nllog.Printf("Version %s\n", version)

	default:
		flag.Usage()
		os.Exit(-1)
	}

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			nllog.Fatal("Could not create memory profile: ", err)
		}
		defer f.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			nllog.Fatal("Could not write memory profile: ", err)
		}
	}

	nllog.Printf("Done after %v\n", time.Since(start))
}

// Synthetic frame around location 0.5 with gaussian noise and occasional
// hot samples, via Box-Muller over fastrand uniforms
func syntheticFrame(rng *fastrand.RNG, id, w, h int) *image.Image {
	img := image.NewImage32(id, int32(w), int32(h), 1)
	img.Exposure = 30
	data := img.Data32[0]
	for i := 0; i < len(data); i += 2 {
		u1 := (float64(rng.Uint32n(1<<24)) + 1) / float64(1<<24)
		u2 := float64(rng.Uint32n(1<<24)) / float64(1<<24)
		r := math.Sqrt(-2 * math.Log(u1))
		data[i] = 0.5 + 0.01*float32(r*math.Cos(2*math.Pi*u2))
		if i+1 < len(data) {
			data[i+1] = 0.5 + 0.01*float32(r*math.Sin(2*math.Pi*u2))
		}
	}
	for i := rng.Uint32n(1000); int(i) < len(data); i += 997 {
		data[i] = 0.99 // hot samples
	}
	return img
}

// Computes full per-frame statistics through the sequence cache, then
// stacks all frames with the configured rejection algorithm
func bench() error {
	alg, ok := stackModes[*stMode]
	if !ok {
		return fmt.Errorf("unknown stacking mode %q", *stMode)
	}
	weighting, ok := stackWeights[*stWeight]
	if !ok {
		return fmt.Errorf("unknown stacking weight %q", *stWeight)
	}
	maxThreads := runtime.NumCPU()
	nllog.Printf("Generating %d frames of %dx%d pixels on %d threads, %d MiB physical memory\n",
		*frames, *width, *height, maxThreads, totalMiBs)

	rng := fastrand.RNG{}
	seq := image.NewSequence("bench", *frames)
	defer seq.Unload()
	lights := make([]*image.Image, *frames)
	for i := range lights {
		lights[i] = syntheticFrame(&rng, i, *width, *height)
	}

	statsStart := time.Now()
	for i, light := range lights {
		s, err := image.GetStatistics(seq, i, light, 0, nil, stats.OptExtra, maxThreads)
		if err != nil {
			return err
		}
		nllog.Printf("%d: %s\n", i, s.String())
		s.Release()
	}
	pixels := int64(*frames) * int64(*width) * int64(*height)
	elapsed := time.Since(statsStart)
	nllog.Printf("Computed statistics for %d MPixels in %v (%.1f MPixels/s)\n",
		pixels/1000000, elapsed, float64(pixels)/1e6/elapsed.Seconds())

	stackStart := time.Now()
	result, clipLow, clipHigh, err := reject.Stack(lights, reject.StackOptions{
		Algorithm: alg, Weighting: weighting,
		SigmaLow: float32(*stSigLow), SigmaHigh: float32(*stSigHigh),
		RefLocation: 0.5, Log: nllog.Writer{},
	}, maxThreads)
	if err != nil {
		return err
	}
	elapsed = time.Since(stackStart)
	nllog.Printf("Stacked %d frames in %v (%.1f MPixels/s), clipped low %d high %d\n",
		*frames, elapsed, float64(pixels)/1e6/elapsed.Seconds(), clipLow, clipHigh)

	s, err := image.GetStatistics(nil, -1, result, 0, nil, stats.OptExtra, maxThreads)
	if err != nil {
		return err
	}
	nllog.Printf("Result: %s\n", s.String())
	s.Release()

	loc, scale := stats.LocScale(result.Data32[0], result.Width, stats.LSEstimatorMode(*lsEst), maxThreads)
	nllog.Printf("Location %.4g scale %.4g with estimator mode %d\n", loc, scale, *lsEst)
	result.InvalidateStats()
	return nil
}
