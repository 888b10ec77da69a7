package session

import (
	"time"

	"github.com/sirupsen/logrus"

	"peerdrop/network"
	"peerdrop/transfer"
)

// sendTask streams one file to the connection it was accepted on.
type sendTask struct {
	conn   *connection
	record *fileRecord
	plan   *transfer.Plan
}

func (s *Session) handleAccept(msg network.Accept) {
	for _, id := range msg.FileIDs {
		record, ok := s.local.get(id)
		if !ok {
			s.log.WithField("file_id", id).Debug("Ignoring accept for unknown file")
			continue
		}
		task := &sendTask{
			conn:   s.conn,
			record: record,
			plan:   transfer.NewPlan(record.File, s.policy.ChunkSize),
		}
		if s.contract == ContractWholeFile {
			s.sendWhole(task)
			continue
		}
		s.startSend(task)
	}
}

// live reports whether task may keep sending.
func (s *Session) live(task *sendTask) bool {
	return s.conn == task.conn && task.conn.open && !task.record.removed
}

func (s *Session) startSend(task *sendTask) {
	s.log.WithFields(logrus.Fields{
		"file_id": task.plan.FileID,
		"chunks":  task.plan.TotalChunks,
	}).Debug("Starting send")

	s.send(task.plan.Start())
	if task.plan.Done() {
		s.finishSend(task)
		return
	}
	s.readNext(task)
}

// readNext reads the next chunk off the loop and resumes in chunkRead.
func (s *Session) readNext(task *sendTask) {
	if !s.live(task) || task.plan.Done() {
		return
	}
	index := task.plan.NextIndex
	go func() {
		chunk, err := task.plan.ReadChunk(task.record.source, index)
		s.post(func() { s.chunkRead(task, chunk, err) })
	}()
}

func (s *Session) chunkRead(task *sendTask, chunk network.FileChunk, err error) {
	if !s.live(task) {
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("file_id", task.plan.FileID).Warn("Aborting send")
		return
	}

	s.send(chunk)
	task.plan.NextIndex++

	sent := int64(task.plan.NextIndex) * int64(task.plan.ChunkSize)
	if sent > task.plan.Size {
		sent = task.plan.Size
	}
	s.notifyProgress(Progress{
		FileID:      task.plan.FileID,
		Name:        task.plan.Name,
		Direction:   DirectionSend,
		ChunkIndex:  chunk.ChunkIndex,
		TotalChunks: task.plan.TotalChunks,
		Bytes:       sent,
		Total:       task.plan.Size,
		Completed:   task.plan.Done(),
	})

	if task.plan.Done() {
		s.finishSend(task)
		return
	}

	resume := func() { s.readNext(task) }
	if s.policy.ChunkDelay > 0 {
		time.AfterFunc(s.policy.ChunkDelay, func() { s.post(resume) })
		return
	}
	s.post(resume)
}

func (s *Session) finishSend(task *sendTask) {
	if task.plan.TotalChunks == 0 {
		s.notifyProgress(Progress{
			FileID:    task.plan.FileID,
			Name:      task.plan.Name,
			Direction: DirectionSend,
			Completed: true,
		})
	}
	s.log.WithFields(logrus.Fields{
		"file_id": task.plan.FileID,
		"name":    task.plan.Name,
		"size":    task.plan.Size,
	}).Info("File sent")
}

// sendWhole reads the complete file off the loop and sends one fileContent.
func (s *Session) sendWhole(task *sendTask) {
	go func() {
		data, err := transfer.ReadWhole(task.record.source, task.plan.Size)
		s.post(func() {
			if !s.live(task) {
				return
			}
			if err != nil {
				s.log.WithError(err).WithField("file_id", task.plan.FileID).Warn("Aborting send")
				return
			}
			if !s.send(network.FileContent{
				Type:   network.TypeFileContent,
				FileID: task.plan.FileID,
				Name:   task.plan.Name,
				Data:   data,
			}) {
				return
			}
			s.notifyProgress(Progress{
				FileID:    task.plan.FileID,
				Name:      task.plan.Name,
				Direction: DirectionSend,
				Bytes:     task.plan.Size,
				Total:     task.plan.Size,
				Completed: true,
			})
			s.finishSend(task)
		})
	}()
}
