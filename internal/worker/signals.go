package worker

import (
	"os"
	"os/signal"
)

// signalSource abstracts os/signal so that the lifecycle can be driven
// without delivering real signals to the process.
type signalSource interface {
	Notify(c chan<- os.Signal, sig ...os.Signal)
	Stop(c chan<- os.Signal)
	Ignore(sig ...os.Signal)
	Reset(sig ...os.Signal)
}

type osSignals struct{}

func (osSignals) Notify(c chan<- os.Signal, sig ...os.Signal) { signal.Notify(c, sig...) }
func (osSignals) Stop(c chan<- os.Signal)                     { signal.Stop(c) }
func (osSignals) Ignore(sig ...os.Signal)                     { signal.Ignore(sig...) }
func (osSignals) Reset(sig ...os.Signal)                      { signal.Reset(sig...) }

// Personal.AI order the ending
