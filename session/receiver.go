package session

import (
	"github.com/sirupsen/logrus"

	"peerdrop/network"
	"peerdrop/transfer"
)

func (s *Session) handleFileStart(msg network.FileStart) {
	if s.contract != ContractChunked {
		s.log.WithField("file_id", msg.FileID).Debug("Ignoring fileStart under whole-file contract")
		return
	}
	done, err := s.receiver.Begin(msg)
	if err != nil {
		s.log.WithError(err).WithField("file_id", msg.FileID).Debug("Ignoring fileStart")
		return
	}
	if done != nil {
		s.received(done, msg.Size)
	}
}

func (s *Session) handleFileChunk(msg network.FileChunk) {
	if s.contract != ContractChunked {
		s.log.WithField("file_id", msg.FileID).Debug("Ignoring fileChunk under whole-file contract")
		return
	}
	status, done, ok := s.receiver.Accept(msg)
	if !ok {
		s.log.WithFields(logrus.Fields{
			"file_id":     msg.FileID,
			"chunk_index": msg.ChunkIndex,
		}).Debug("Dropping chunk without transfer")
		return
	}

	s.notifyProgress(Progress{
		FileID:      status.FileID,
		Name:        status.Name,
		Direction:   DirectionReceive,
		ChunkIndex:  status.ChunkIndex,
		TotalChunks: status.TotalChunks,
		Bytes:       status.Bytes,
		Total:       status.Size,
		Completed:   done != nil,
	})
	if done != nil {
		s.received(done, status.Size)
	}
}

func (s *Session) handleFileContent(msg network.FileContent) {
	if s.contract != ContractWholeFile {
		s.log.WithField("file_id", msg.FileID).Debug("Ignoring fileContent under chunked contract")
		return
	}
	size := int64(len(msg.Data))
	s.notifyProgress(Progress{
		FileID:    msg.FileID,
		Name:      msg.Name,
		Direction: DirectionReceive,
		Bytes:     size,
		Total:     size,
		Completed: true,
	})
	s.received(&transfer.Assembled{
		FileID:      msg.FileID,
		Name:        msg.Name,
		ContentType: transfer.ContentType(msg.Name),
		Data:        msg.Data,
	}, size)
}

// received hands a completed file to the sink off the loop. Stop waits for
// hand-offs in flight.
func (s *Session) received(file *transfer.Assembled, announced int64) {
	entry := s.log.WithFields(logrus.Fields{
		"file_id":      file.FileID,
		"name":         file.Name,
		"content_type": file.ContentType,
		"size":         len(file.Data),
	})
	if int64(len(file.Data)) != announced {
		entry.WithField("announced", announced).Warn("Received file size differs from announced size")
	}
	entry.Info("File received")

	s.deliveries.Add(1)
	go func() {
		defer s.deliveries.Done()
		if err := s.sink.Deliver(file.Data, file.Name, file.ContentType); err != nil {
			entry.WithError(err).Error("Delivery failed")
		}
	}()
}
