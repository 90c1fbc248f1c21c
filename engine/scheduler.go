package engine

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/drummonds/pdfpager/source"
)

// Logger is global since we will need it everywhere
var Logger *slog.Logger = slog.Default()

// sweepScratch removes stale temporary copies, keeping the current session's
func (serverHandler *ServerHandler) sweepScratch() {
	// Add panic recovery to prevent entire application crash
	defer func() {
		if r := recover(); r != nil {
			Logger.Error("Panic recovered in scratch sweep", "panic", r)
		}
	}()

	sweeper := source.Sweeper{
		Dir:    serverHandler.ViewerConfig.ScratchDir,
		MaxAge: serverHandler.ViewerConfig.ScratchMaxAge,
		InUse:  serverHandler.Manager.InUse,
		Logger: Logger,
	}
	removed, err := sweeper.Sweep()
	if err != nil {
		Logger.Error("Scratch sweep failed", "dir", sweeper.Dir, "error", err)
		return
	}
	Logger.Debug("Scratch sweep finished", "dir", sweeper.Dir, "removed", removed)
}

// InitializeSchedules starts the scratch sweeper: once now, then on an interval
func (serverHandler *ServerHandler) InitializeSchedules() *cron.Cron {
	Logger.Info("Running scratch sweep at startup")
	go serverHandler.sweepScratch()

	c := cron.New()
	interval := int(serverHandler.ViewerConfig.SweepInterval.Minutes())
	if interval < 1 {
		interval = 1
	}
	var sweepJob cron.Job
	sweepJob = cron.FuncJob(serverHandler.sweepScratch)
	sweepJob = cron.NewChain(cron.SkipIfStillRunning(cron.DefaultLogger)).Then(sweepJob) //ensure we don't kick off another if old one is still running
	if _, err := c.AddJob(fmt.Sprintf("@every %dm", interval), sweepJob); err != nil {
		Logger.Error("Unable to schedule scratch sweep", "error", err)
		return c
	}
	Logger.Info("Adding scratch sweep scheduler", "interval_minutes", interval)
	c.Start()
	return c
}
