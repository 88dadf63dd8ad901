package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"dimy/internal/config"
)

// #############################################################################

func Assert(v bool) {
	if !v {
		panic("Assertion failed")
	}
}

func Check(err error) {
	if err != nil {
		panic(err)
	}
}

// #############################################################################

type Stopwatch struct {
	start time.Time
}

func NewStopwatch() Stopwatch {
	return Stopwatch{time.Now()}
}

func (w *Stopwatch) Reset() {
	w.start = time.Now()
}

func (w *Stopwatch) Elapsed() time.Duration {
	return time.Since(w.start)
}

// #############################################################################

func NewProgressBar(sz int, color, name string) *progressbar.ProgressBar {
	return progressbar.NewOptions(sz,
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(20),
		progressbar.OptionSetDescription(fmt.Sprintf("[%s]%s...[reset]", color, name)),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}))
}

// #############################################################################

func PrintInfo(logger *log.Logger, cfg config.Config, nodes, rounds int, scale float64, resDir string, eProfile bool) {
	color.Set(color.FgGreen, color.Bold)
	defer color.Unset()

	sep := ": "
	logger.Printf("Time%s%s\n", sep, time.Now().String())
	logger.Printf("Nodes%s%d (P_0 reports)\n", sep, nodes)
	logger.Printf("Rounds%s%d\n", sep, rounds)
	logger.Printf("Threshold%s%d of %d\n", sep, cfg.Node.K, cfg.Node.N)
	logger.Printf("Drop%s%.2f\n", sep, cfg.Node.DropProbability)
	logger.Printf("Speedup%s%.0fx\n", sep, scale)
	logger.Printf("Round%s%s\n", sep, cfg.Node.RoundPeriod)
	logger.Printf("DBF%s%s x %d\n", sep, cfg.Window.EpochDBF, cfg.Window.Size)
	logger.Printf("QBF%s%s\n", sep, cfg.Window.EpochQBF)
	logger.Printf("Results%s%s\n", sep, resDir)
	logger.Printf("Profile%s%s\n", sep, strconv.FormatBool(eProfile))
}

func Save(cfg config.Config, nodes, rounds int, s Summary, elapsed time.Duration, fname string) {
	strs := []string{
		strconv.Itoa(nodes), strconv.Itoa(rounds),
		strconv.Itoa(cfg.Node.K), strconv.Itoa(cfg.Node.N),
		fmt.Sprintf("%f", cfg.Node.DropProbability),
		strconv.Itoa(s.SharesSent), strconv.Itoa(s.SharesDropped),
		strconv.Itoa(s.Encounters), strconv.Itoa(s.Failures),
		strconv.Itoa(s.Registered), strconv.Itoa(s.Queries), strconv.Itoa(s.Matches),
		elapsed.String(),
	}
	AppendFile(fname, []string{strings.Join(strs, ",")})
}

func AppendFile(fpath string, strs []string) {
	file, err := os.OpenFile(fpath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	Check(err)
	defer file.Close()
	datawriter := bufio.NewWriter(file)
	for _, data := range strs {
		_, _ = datawriter.WriteString(data + "\n")
	}
	Check(datawriter.Flush())
}
