package conference

import (
	"time"

	"github.com/jitsi-go/jicofo/pkg/common"
	"github.com/sirupsen/logrus"
)

// signalTask is one outbound signalling action, executed off the
// conference lock in submission order.
type signalTask func()

// signalWorker serialises outbound signalling per conference. Source
// notifications and session messages for one room leave in the order
// they were produced, without holding the conference lock during I/O.
type signalWorker struct {
	worker *common.Worker[signalTask]
	logger *logrus.Entry
}

func newSignalWorker(logger *logrus.Entry) *signalWorker {
	workerConfig := common.WorkerConfig[signalTask]{
		ChannelSize: 256,
		Timeout:     time.Hour,
		OnTimeout:   func() {},
		OnTask:      func(task signalTask) { task() },
	}

	return &signalWorker{
		worker: common.StartWorker(workerConfig),
		logger: logger,
	}
}

func (w *signalWorker) enqueue(task signalTask) {
	if err := w.worker.Send(task); err != nil {
		w.logger.WithError(err).Error("dropping signalling task")
	}
}

func (w *signalWorker) stop() {
	w.worker.Stop()
}
