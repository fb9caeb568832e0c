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

// Package rest exposes the statistics and rejection engines over HTTP.
package rest

import (
	"fmt"
	"math"
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"

	"github.com/deepskies/imstats/internal/image"
	"github.com/deepskies/imstats/internal/reject"
	"github.com/deepskies/imstats/internal/stats"
)

// Serve runs the REST API on the given address (host:port), optionally
// dropping privileges into a chroot sandbox first
func Serve(addr, chroot string, setuid int) error {
	MakeSandbox(chroot, setuid)
	return router().Run(addr)
}

func router() *gin.Engine {
	r := gin.Default()
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.POST("/stats", postStats)
			v1.POST("/reject", postReject)
			v1.POST("/stack", postStack)
		}
	}
	return r
}

func getPing(c *gin.Context) {
	c.JSON(200, gin.H{
		"message": "pong",
	})
}

// Maps option names from the request to descriptor field selectors
var optionsByName = map[string]stats.Options{
	"minmax": stats.OptMinMax,
	"noise":  stats.OptNoise,
	"median": stats.OptMedian,
	"avgdev": stats.OptAvgDev,
	"mad":    stats.OptMAD,
	"bwmv":   stats.OptBWMV,
	"ikss":   stats.OptIKSS,
	"basic":  stats.OptBasic,
	"main":   stats.OptMain,
	"extra":  stats.OptExtra,
}

var algorithmsByName = map[string]reject.Algorithm{
	"mean":        reject.AlgMean,
	"median":      reject.AlgMedian,
	"percentile":  reject.AlgPercentile,
	"sigma":       reject.AlgSigma,
	"sigmaMedian": reject.AlgSigmaMedian,
	"winsorized":  reject.AlgWinsorized,
	"linearFit":   reject.AlgLinearFit,
	"gesdt":       reject.AlgGESDT,
	"auto":        reject.AlgAuto,
}

type postStatsArgs struct {
	Samples []float32 `json:"samples" binding:"required"`
	Width   int32     `json:"width"   binding:"required"`
	Options []string  `json:"options"`
}

func postStats(c *gin.Context) {
	var args postStatsArgs
	if err := c.ShouldBind(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := stats.OptMain
	if len(args.Options) > 0 {
		opts = 0
		for _, name := range args.Options {
			o, ok := optionsByName[name]
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown option %q", name)})
				return
			}
			opts |= o
		}
	}

	s := stats.NewStats()
	defer s.Release()
	err := s.Update(stats.Samples{F32: args.Samples, Width: args.Width}, opts, runtime.NumCPU())
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s)
}

type postRejectArgs struct {
	Values    []float32 `json:"values" binding:"required"`
	Weights   []float32 `json:"weights"`
	Algorithm string    `json:"algorithm"`
	SigmaLow  float32   `json:"sigmaLow"`
	SigmaHigh float32   `json:"sigmaHigh"`
}

func postReject(c *gin.Context) {
	var args postRejectArgs
	if err := c.ShouldBind(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	alg, ok := algorithmsByName[args.Algorithm]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown algorithm %q", args.Algorithm)})
		return
	}
	if args.Weights != nil && len(args.Weights) != len(args.Values) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "weights length differs from values length"})
		return
	}

	rej := reject.NewRejector(alg, args.SigmaLow, args.SigmaHigh, len(args.Values))
	combined, clipLow, clipHigh := rej.RejectWeighted(args.Values, args.Weights)
	c.JSON(http.StatusOK, gin.H{
		"combined": combined,
		"clipLow":  clipLow,
		"clipHigh": clipHigh,
	})
}

type postStackArgs struct {
	Frames    [][]float32 `json:"frames" binding:"required"`
	Width     int32       `json:"width"  binding:"required"`
	Height    int32       `json:"height" binding:"required"`
	Exposures []float32   `json:"exposures"`
	Algorithm string      `json:"algorithm"`
	Weighting string      `json:"weighting"`
	SigmaLow  float32     `json:"sigmaLow"`
	SigmaHigh float32     `json:"sigmaHigh"`
}

var weightingsByName = map[string]reject.Weighting{
	"":             reject.WeightNone,
	"none":         reject.WeightNone,
	"exposure":     reject.WeightExposure,
	"inverseNoise": reject.WeightInverseNoise,
}

func postStack(c *gin.Context) {
	var args postStackArgs
	if err := c.ShouldBind(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	alg, ok := algorithmsByName[args.Algorithm]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown algorithm %q", args.Algorithm)})
		return
	}
	weighting, ok := weightingsByName[args.Weighting]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown weighting %q", args.Weighting)})
		return
	}

	if args.Exposures != nil && len(args.Exposures) != len(args.Frames) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exposures length differs from frame count"})
		return
	}
	frames := make([]*image.Image, len(args.Frames))
	refMedian := float32(0)
	for i, data := range args.Frames {
		if int32(len(data)) != args.Width*args.Height {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("frame %d: %d samples for %dx%d", i, len(data), args.Width, args.Height)})
			return
		}
		frames[i] = &image.Image{ID: i, Width: args.Width, Height: args.Height, Data32: [][]float32{data}}
		if args.Exposures != nil {
			frames[i].Exposure = args.Exposures[i]
		}
	}
	if s, err := image.GetStatistics(nil, -1, frames[0], 0, nil, stats.OptMedian, runtime.NumCPU()); err == nil {
		refMedian = float32(s.Median)
		s.Release()
	}

	result, clipLow, clipHigh, err := reject.Stack(frames, reject.StackOptions{
		Algorithm: alg, Weighting: weighting,
		SigmaLow: args.SigmaLow, SigmaHigh: args.SigmaHigh,
		RefLocation: refMedian,
	}, runtime.NumCPU())
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	// NaN is not representable in JSON, substitute the reference location
	data := result.Data32[0]
	for i, v := range data {
		if math.IsNaN(float64(v)) {
			data[i] = refMedian
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"data":     data,
		"clipLow":  clipLow,
		"clipHigh": clipHigh,
	})
}
