package main

import (
	"os"
	"path"
	"runtime"
	"runtime/pprof"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

const profileTimeFormat = "20060102_150405"

// started is non zero if a profile is running.
var started uint32

// Profiler is a signal-toggled cpu+heap profiling session.
type Profiler struct {
	dataDir string
	closers []func()
	stopped uint32
}

// StartProfiler begins a profiling session, one at a time.
func StartProfiler(dataDir string) *Profiler {
	if !atomic.CompareAndSwapUint32(&started, 0, 1) {
		glog.Error("pprof: a profiling session is already running")
		return nil
	}

	p := &Profiler{dataDir: dataDir}
	p.startCpuProfile()
	p.startMemProfile()
	return p
}

// Stop ends the session and flushes the profile files.
func (p *Profiler) Stop() {
	if p == nil {
		return
	}
	if !atomic.CompareAndSwapUint32(&p.stopped, 0, 1) {
		return
	}
	for _, closer := range p.closers {
		closer()
	}
	atomic.StoreUint32(&started, 0)
}

func (p *Profiler) startCpuProfile() {
	fn := p.dumpFileName("cpu")
	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("pprof: could not create cpu profile %q: %v", fn, err)
		return
	}

	if err := pprof.StartCPUProfile(f); err != nil {
		glog.Errorf("pprof: could not start cpu profile: %v", err)
		f.Close()
		return
	}
	glog.Infof("pprof: cpu profiling enabled, %s", fn)
	p.closers = append(p.closers, func() {
		pprof.StopCPUProfile()
		f.Close()
		glog.Infof("pprof: cpu profiling disabled, %s", fn)
	})
}

func (p *Profiler) startMemProfile() {
	fn := p.dumpFileName("mem")
	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("pprof: could not create memory profile %q: %v", fn, err)
		return
	}

	old := runtime.MemProfileRate
	runtime.MemProfileRate = 4096
	glog.Infof("pprof: memory profiling enabled, %s", fn)
	p.closers = append(p.closers, func() {
		_ = pprof.Lookup("heap").WriteTo(f, 0)
		f.Close()
		runtime.MemProfileRate = old
		glog.Infof("pprof: memory profiling disabled, %s", fn)
	})
}

func (p *Profiler) dumpFileName(kind string) string {
	return path.Join(p.dataDir, kind+"_"+time.Now().Format(profileTimeFormat)+".pprof")
}

// dumpGoroutines writes the goroutine stacks to a file under dataDir.
func dumpGoroutines(dataDir string) {
	fn := path.Join(dataDir, "goroutines_"+time.Now().Format(profileTimeFormat)+".txt")
	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("pprof: could not create goroutine dump %q: %v", fn, err)
		return
	}
	defer f.Close()

	if err := pprof.Lookup("goroutine").WriteTo(f, 2); err != nil {
		glog.Errorf("pprof: goroutine dump failed: %v", err)
		return
	}
	glog.Infof("pprof: goroutines dumped to %s", fn)
}
