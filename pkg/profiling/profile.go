package profiling

import (
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

// Starts CPU profiling into the named file and returns a function to
// stop profiling.
func InitCPUProfiling(path string) func() {
	logrus.Info("initializing CPU profiling")

	file, err := os.Create(path)
	if err != nil {
		logrus.WithError(err).Fatal("could not create CPU profile")
	}

	if err := pprof.StartCPUProfile(file); err != nil {
		logrus.WithError(err).Fatal("could not start CPU profile")
	}

	return func() {
		pprof.StopCPUProfile()

		if err := file.Close(); err != nil {
			logrus.WithError(err).Fatal("could not close CPU profile")
		}
	}
}

// Arms memory profiling and returns the function that writes the heap
// profile into the named file.
func InitMemoryProfiling(path string) func() {
	logrus.Info("initializing memory profiling")

	return func() {
		file, err := os.Create(path)
		if err != nil {
			logrus.WithError(err).Fatal("could not create memory profile")
		}

		runtime.GC()

		if err := pprof.WriteHeapProfile(file); err != nil {
			logrus.WithError(err).Fatal("could not write memory profile")
		}

		if err = file.Close(); err != nil {
			logrus.WithError(err).Fatal("could not close memory profile")
		}
	}
}
