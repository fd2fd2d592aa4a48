// Package diskqueue implements a durable, append-only FIFO over segmented
// files on disk, as described in spec §4.1. It is deliberately modeled on
// the classic nsqd diskqueue ioLoop: one goroutine owns all file state and
// every external call that touches it (Put, Empty, Close, and receives on
// ReadChan) is a request into that goroutine over a channel, so there is
// never more than one writer and one reader touching the underlying files.
// Depth is read atomically without going through the ioLoop.
package diskqueue

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// ErrInvalidMsgSize is returned by Put when a record's length prefix would
// fall outside [minMsgSize, maxMsgSize], a corruption guard described in
// spec §4.1's recovery semantics.
var ErrInvalidMsgSize = errors.New("diskqueue: invalid message size")

const (
	defaultMaxBytesPerFile = 100 * 1024 * 1024
	metaFileSuffix         = ".diskqueue.meta.dat"
	dataFileSuffix         = ".diskqueue"
)

// Options configures a DiskQueue's file-rotation and fsync policy.
type Options struct {
	// DataPath is the directory segment and metadata files live under.
	DataPath string
	// MaxBytesPerFile caps the size of a single segment file. Zero means
	// defaultMaxBytesPerFile.
	MaxBytesPerFile int64
	MinMsgSize      int32
	MaxMsgSize      int32
	// SyncEvery fsyncs after this many combined puts+reads.
	SyncEvery int64
	// SyncTimeout fsyncs on this cadence even if SyncEvery hasn't been hit.
	SyncTimeout time.Duration
}

// DiskQueue is a durable FIFO over segmented files in DataPath, named
// after the given queue name (topic, or "topic:channel").
type DiskQueue struct {
	// The following are used atomically from outside ioLoop for Depth().
	depth int64

	name    string
	dataPath string
	fs      afero.Fs
	logger  logrus.FieldLogger

	maxBytesPerFile int64
	minMsgSize      int32
	maxMsgSize      int32
	syncEvery       int64
	syncTimeout     time.Duration

	writeFile    afero.File
	writeFileNum int64
	writePos     int64

	readFile     afero.File
	readFileNum  int64
	readPos      int64
	nextReadFileNum int64
	nextReadPos     int64

	needSync bool

	exitFlag int32
	exitMu   sync.RWMutex

	writeChan         chan []byte
	writeResponseChan chan error
	readChan          chan []byte
	emptyChan         chan struct{}
	emptyResponseChan chan error
	exitChan          chan struct{}
	exitSyncChan      chan struct{}
}

// New opens (or creates) a DiskQueue named name under opts.DataPath and
// starts its ioLoop goroutine.
func New(name string, fs afero.Fs, opts Options, logger logrus.FieldLogger) (*DiskQueue, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	maxBytes := opts.MaxBytesPerFile
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytesPerFile
	}
	if err := fs.MkdirAll(opts.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("diskqueue: mkdir %s: %w", opts.DataPath, err)
	}
	d := &DiskQueue{
		name:              name,
		dataPath:          opts.DataPath,
		fs:                fs,
		logger:            logger.WithField("diskqueue", name),
		maxBytesPerFile:   maxBytes,
		minMsgSize:        opts.MinMsgSize,
		maxMsgSize:        opts.MaxMsgSize,
		syncEvery:         opts.SyncEvery,
		syncTimeout:       opts.SyncTimeout,
		writeChan:         make(chan []byte),
		writeResponseChan: make(chan error),
		readChan:          make(chan []byte),
		emptyChan:         make(chan struct{}),
		emptyResponseChan: make(chan error),
		exitChan:          make(chan struct{}),
		exitSyncChan:      make(chan struct{}),
	}

	if err := d.retrieveMetaData(); err != nil && !os.IsNotExist(err) {
		d.logger.WithError(err).Warn("failed to load diskqueue metadata, starting empty")
	}

	go d.ioLoop()
	return d, nil
}

// Depth returns the current number of undelivered records.
func (d *DiskQueue) Depth() int64 {
	return atomic.LoadInt64(&d.depth)
}

// ReadChan returns the channel a caller should select on to receive the
// next record. It yields a []byte exactly when one is ready, satisfying
// spec §4.1's peek_ready_channel contract for use in a multi-way select
// inside Queue.
func (d *DiskQueue) ReadChan() <-chan []byte {
	return d.readChan
}

// Put appends a length-prefixed record. It blocks until the ioLoop has
// accepted (and, per the sync policy, possibly flushed) the write.
func (d *DiskQueue) Put(data []byte) error {
	d.exitMu.RLock()
	defer d.exitMu.RUnlock()
	if d.isExiting() {
		return errors.New("diskqueue: exiting")
	}
	d.writeChan <- data
	return <-d.writeResponseChan
}

// Empty discards all segments and resets metadata to zero depth.
func (d *DiskQueue) Empty() error {
	d.exitMu.RLock()
	defer d.exitMu.RUnlock()
	if d.isExiting() {
		return errors.New("diskqueue: exiting")
	}
	d.emptyChan <- struct{}{}
	return <-d.emptyResponseChan
}

// Close flushes metadata and stops the ioLoop.
func (d *DiskQueue) Close() error {
	return d.exit(false)
}

// Delete is like Close but also removes all on-disk segment and meta files.
func (d *DiskQueue) Delete() error {
	return d.exit(true)
}

func (d *DiskQueue) exit(deleted bool) error {
	d.exitMu.Lock()
	defer d.exitMu.Unlock()

	atomic.StoreInt32(&d.exitFlag, 1)
	if deleted {
		d.logger.Info("deleting")
	} else {
		d.logger.Info("closing")
	}
	close(d.exitChan)
	<-d.exitSyncChan

	if deleted {
		return d.deleteAllFiles()
	}

	err := d.sync()
	if d.writeFile != nil {
		d.writeFile.Close()
	}
	if d.readFile != nil {
		d.readFile.Close()
	}
	return err
}

func (d *DiskQueue) isExiting() bool {
	return atomic.LoadInt32(&d.exitFlag) == 1
}

// ioLoop is the single goroutine permitted to touch file state, mirroring
// nsqd's own diskqueue design and the spec §5 rule that each DiskQueue has
// exactly one writer task and one reader task.
func (d *DiskQueue) ioLoop() {
	var dataRead []byte
	var err error
	var count int64

	syncTicker := time.NewTicker(d.syncTimeoutOrDefault())
	defer syncTicker.Stop()

	for {
		if d.syncEvery > 0 && count >= d.syncEvery {
			d.needSync = true
		}

		if d.needSync {
			if err = d.sync(); err != nil {
				d.logger.WithError(err).Error("failed to sync diskqueue")
			}
			count = 0
		}

		var readChan chan []byte
		if (d.readFileNum < d.writeFileNum) || (d.readPos < d.writePos) {
			if d.nextReadFileNum == d.readFileNum && d.nextReadPos == d.readPos {
				dataRead, err = d.readOne()
				if err != nil {
					d.logger.WithError(err).Error("reading from diskqueue failed, skipping record")
					d.handleReadError()
					continue
				}
			}
			readChan = d.readChan
		}

		select {
		case readChan <- dataRead:
			count++
			d.moveForward()
		case <-d.emptyChan:
			d.emptyResponseChan <- d.deleteAllFiles()
			count = 0
		case dataWrite := <-d.writeChan:
			count++
			d.writeResponseChan <- d.writeOne(dataWrite)
		case <-syncTicker.C:
			if count == 0 {
				continue
			}
			d.needSync = true
		case <-d.exitChan:
			d.exitSyncChan <- struct{}{}
			return
		}
	}
}

func (d *DiskQueue) syncTimeoutOrDefault() time.Duration {
	if d.syncTimeout <= 0 {
		return 2 * time.Second
	}
	return d.syncTimeout
}

// moveForward advances the "confirmed read" position to the position the
// last readOne() produced, rotating to the next segment if it was drained.
func (d *DiskQueue) moveForward() {
	oldReadFileNum := d.readFileNum
	d.readFileNum = d.nextReadFileNum
	d.readPos = d.nextReadPos
	atomic.AddInt64(&d.depth, -1)

	if oldReadFileNum != d.nextReadFileNum {
		d.needSync = true
		oldPath := d.segmentPath(oldReadFileNum)
		_ = d.fs.Remove(oldPath)
	}
}

func (d *DiskQueue) handleReadError() {
	if d.readFile != nil {
		d.readFile.Close()
		d.readFile = nil
	}
	// Conservative recovery policy per spec §4.1: discard the remainder of
	// a segment that produced a corrupt record rather than risk
	// misinterpreting subsequent bytes, and advance past it.
	d.readFileNum++
	d.readPos = 0
	d.nextReadFileNum = d.readFileNum
	d.nextReadPos = 0
	d.needSync = true
}

func (d *DiskQueue) segmentPath(fileNum int64) string {
	return fmt.Sprintf("%s/%s%s.%06d.dat", d.dataPath, d.name, dataFileSuffix, fileNum)
}

func (d *DiskQueue) metaPath() string {
	return fmt.Sprintf("%s/%s%s", d.dataPath, d.name, metaFileSuffix)
}

func (d *DiskQueue) writeOne(data []byte) error {
	var err error
	if d.writeFile == nil {
		curFileName := d.segmentPath(d.writeFileNum)
		d.writeFile, err = d.fs.OpenFile(curFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		if d.writePos > 0 {
			if _, err = d.writeFile.Seek(d.writePos, io.SeekStart); err != nil {
				d.writeFile.Close()
				d.writeFile = nil
				return err
			}
		}
	}

	dataLen := int32(len(data))
	if d.maxMsgSize > 0 && dataLen > d.maxMsgSize {
		return ErrInvalidMsgSize
	}
	if d.minMsgSize > 0 && dataLen < d.minMsgSize {
		return ErrInvalidMsgSize
	}

	var buf bytes.Buffer
	if err = binary.Write(&buf, binary.BigEndian, dataLen); err != nil {
		return err
	}
	if _, err = buf.Write(data); err != nil {
		return err
	}

	if _, err = d.writeFile.Write(buf.Bytes()); err != nil {
		d.writeFile.Close()
		d.writeFile = nil
		return err
	}

	totalBytes := int64(4 + dataLen)
	d.writePos += totalBytes
	atomic.AddInt64(&d.depth, 1)

	if d.writePos >= d.maxBytesPerFile {
		d.writeFileNum++
		d.writePos = 0
		if err = d.sync(); err != nil {
			d.logger.WithError(err).Error("failed syncing before segment rotation")
		}
		if d.writeFile != nil {
			d.writeFile.Close()
			d.writeFile = nil
		}
	}
	return nil
}

func (d *DiskQueue) readOne() ([]byte, error) {
	var err error
	if d.readFile == nil {
		curFileName := d.segmentPath(d.readFileNum)
		d.readFile, err = d.fs.Open(curFileName)
		if err != nil {
			return nil, err
		}
		if d.readPos > 0 {
			if _, err = d.readFile.Seek(d.readPos, io.SeekStart); err != nil {
				d.readFile.Close()
				d.readFile = nil
				return nil, err
			}
		}
	}

	var length int32
	if err = binary.Read(d.readFile, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length < 0 || (d.maxMsgSize > 0 && length > d.maxMsgSize) {
		return nil, fmt.Errorf("diskqueue: corrupt record length %d", length)
	}

	data := make([]byte, length)
	if _, err = io.ReadFull(d.readFile, data); err != nil {
		return nil, err
	}

	d.nextReadPos = d.readPos + 4 + int64(length)
	d.nextReadFileNum = d.readFileNum

	if d.nextReadPos >= d.maxBytesPerFile && d.nextReadFileNum < d.writeFileNum {
		if d.readFile != nil {
			d.readFile.Close()
			d.readFile = nil
		}
		d.nextReadFileNum++
		d.nextReadPos = 0
	}
	return data, nil
}

func (d *DiskQueue) sync() error {
	if d.writeFile != nil {
		if err := d.writeFile.Sync(); err != nil {
			return err
		}
	}
	if err := d.persistMetaData(); err != nil {
		return err
	}
	d.needSync = false
	return nil
}

func (d *DiskQueue) persistMetaData() error {
	f, err := d.fs.OpenFile(d.metaPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%d\n%d,%d\n%d,%d\n",
		atomic.LoadInt64(&d.depth),
		d.readPos, d.readFileNum,
		d.writePos, d.writeFileNum,
	)
	return err
}

func (d *DiskQueue) retrieveMetaData() error {
	f, err := d.fs.Open(d.metaPath())
	if err != nil {
		return err
	}
	defer f.Close()

	var depth int64
	var readPos, writePos, readFileNum, writeFileNum int64
	_, err = fmt.Fscanf(f, "%d\n%d,%d\n%d,%d\n",
		&depth, &readPos, &readFileNum, &writePos, &writeFileNum)
	if err != nil {
		return err
	}

	atomic.StoreInt64(&d.depth, depth)
	d.readFileNum = readFileNum
	d.readPos = readPos
	d.nextReadFileNum = readFileNum
	d.nextReadPos = readPos
	d.writeFileNum = writeFileNum
	d.writePos = writePos
	return d.truncateTrailingPartialRecord()
}

// truncateTrailingPartialRecord implements spec §4.1's recovery rule: it
// truncates the write cursor's segment to the write position recorded in
// the metadata file, dropping anything written past it. It does not scan
// the records themselves.
func (d *DiskQueue) truncateTrailingPartialRecord() error {
	path := d.segmentPath(d.writeFileNum)
	info, err := d.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() <= d.writePos {
		return nil
	}
	d.logger.WithField("segment", path).Warn("truncating partially written tail record")
	f, err := d.fs.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(d.writePos)
}

func (d *DiskQueue) deleteAllFiles() error {
	var lastErr error
	for i := d.readFileNum; i <= d.writeFileNum; i++ {
		if err := d.fs.Remove(d.segmentPath(i)); err != nil && !os.IsNotExist(err) {
			lastErr = err
		}
	}
	if err := d.fs.Remove(d.metaPath()); err != nil && !os.IsNotExist(err) {
		lastErr = err
	}

	atomic.StoreInt64(&d.depth, 0)
	d.readFileNum = 0
	d.readPos = 0
	d.nextReadFileNum = 0
	d.nextReadPos = 0
	d.writeFileNum = 0
	d.writePos = 0

	if d.writeFile != nil {
		d.writeFile.Close()
		d.writeFile = nil
	}
	if d.readFile != nil {
		d.readFile.Close()
		d.readFile = nil
	}
	return lastErr
}
