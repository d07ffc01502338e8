package empdb

import (
	"container/list"
	"path"
	"sync"
	"time"

	"github.com/joncrlsn/dque"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type AuditMessage struct {
	Message []byte
}

// AuditQueue buffers packaged audit events between the record server and
// the bus publisher. A small in-memory window keeps the hot path cheap; the
// overflow spills to a dque-backed on-disk queue. Events held in the
// in-memory window are not written to disk.
type AuditQueue struct {
	msgQueue  *dque.DQue
	mutex     sync.Mutex
	emptyCond *sync.Cond
	inMemory  *list.List
}

var (
	ErrQueueEmpty = errors.New("queue is empty")
	MaxInMemory   = 100
)

// NewAuditQueue returns an initialized queue.
func NewAuditQueue() *AuditQueue { return new(AuditQueue).Init() }

// ItemBuilder creates a new item and returns a pointer to it.
// This is used when we load a segment of the queue from disk.
func ItemBuilder() interface{} {
	return &AuditMessage{}
}

// Init initializes the queue
func (aq *AuditQueue) Init() *AuditQueue {
	// Set the attributes
	viper.SetDefault("queue_directory", "/tmp/empdb-queue")
	queueDir := viper.GetString("queue_directory")

	qName := path.Base(queueDir)
	qDir := path.Dir(queueDir)
	segmentSize := 10000
	var err error
	aq.msgQueue, err = dque.NewOrOpen(qName, qDir, segmentSize, ItemBuilder)
	if err != nil {
		log.Panicln("Failed to create queue:", err)
	}
	err = aq.msgQueue.TurboOn()
	if err != nil {
		log.Errorln("Failed to turn on dque Turbo mode, the queue will be safer but much slower:", err)
	}

	aq.emptyCond = sync.NewCond(&aq.mutex)

	// Start the metrics goroutine
	aq.inMemory = list.New()
	go aq.queueMetrics()
	return aq
}

func (aq *AuditQueue) Size() int {
	aq.mutex.Lock()
	defer aq.mutex.Unlock()
	return aq.inMemory.Len() + aq.msgQueue.SizeUnsafe()
}

// queueMetrics updates the queue size prometheus metric
// Should be run within a go routine
func (aq *AuditQueue) queueMetrics() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		<-ticker.C
		queueSizeInt := aq.Size()
		QueueSize.Set(float64(queueSizeInt))
		log.Debugln("Queue Size:", queueSizeInt)
	}
}

// Enqueue the audit event
func (aq *AuditQueue) Enqueue(msg []byte) {
	aq.mutex.Lock()
	defer aq.mutex.Unlock()
	// Check size of in memory queue
	if aq.inMemory.Len() < MaxInMemory {
		aq.inMemory.PushBack(msg)
	} else {
		// Add to on disk queue
		err := aq.msgQueue.Enqueue(&AuditMessage{Message: msg})
		if err != nil {
			log.Errorln("Failed to enqueue message:", err)
		}
	}
	aq.emptyCond.Broadcast()
}

// dequeueLocked dequeues a message, assuming the queue has already been locked
func (aq *AuditQueue) dequeueLocked() ([]byte, error) {
	// Check if we have a message available in the queue
	if aq.inMemory.Len() == 0 {
		return nil, ErrQueueEmpty
	}
	// Remove the first element and get the value
	toReturn := aq.inMemory.Remove(aq.inMemory.Front()).([]byte)

	// See if we have anything on the on-disk
	for aq.inMemory.Len() < MaxInMemory {
		msgStruct, err := aq.msgQueue.Dequeue()
		if err == dque.ErrEmpty {
			break
		}
		// Add the new message to the back of the in memory queue
		aq.inMemory.PushBack(msgStruct.(*AuditMessage).Message)
	}
	return toReturn, nil
}

// Dequeue Blocking function to receive a message
func (aq *AuditQueue) Dequeue() ([]byte, error) {
	aq.mutex.Lock()
	defer aq.mutex.Unlock()
	for {
		msg, err := aq.dequeueLocked()
		if err == ErrQueueEmpty {
			aq.emptyCond.Wait()
			// Wait() atomically unlocks the mutex and suspends execution of the
			// calling goroutine. Receiving the signal does not guarantee an item
			// is available, let's loop and check again.
			continue
		} else if err != nil {
			return nil, err
		}
		return msg, nil
	}
}

// Close will close the on-disk files
func (aq *AuditQueue) Close() error {
	aq.mutex.Lock()
	defer aq.mutex.Unlock()
	return aq.msgQueue.Close()
}
