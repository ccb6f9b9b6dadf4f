package teacher

import (
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-distill/internal/dataset"
	"github.com/23skdu/longbow-distill/internal/logger"
)

// Server answers DoGet with the logit rows published under the ticket.
// Rows are streamed in records of at most ChunkRows rows.
type Server struct {
	flight.BaseFlightServer

	ChunkRows int

	mu   sync.RWMutex
	sets map[string][][]float64
}

func NewServer() *Server {
	return &Server{ChunkRows: 4096, sets: make(map[string][][]float64)}
}

// Publish makes rows available under ticket, replacing any earlier set.
func (s *Server) Publish(ticket string, rows [][]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[ticket] = rows
}

func (s *Server) DoGet(tkt *flight.Ticket, fs flight.FlightService_DoGetServer) error {
	s.mu.RLock()
	rows, ok := s.sets[string(tkt.Ticket)]
	s.mu.RUnlock()
	if !ok {
		return status.Errorf(codes.NotFound, "unknown ticket %q", tkt.Ticket)
	}

	mem := memory.NewGoAllocator()
	w := flight.NewRecordWriter(fs, ipc.WithSchema(dataset.TeacherSchema()), ipc.WithAllocator(mem))
	defer w.Close()

	chunk := s.ChunkRows
	if chunk <= 0 {
		chunk = len(rows)
	}
	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		rec := dataset.NewTeacherRecord(mem, rows[start:end])
		err := w.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}

	logger.Log.Debug("Teacher logits served", "ticket", string(tkt.Ticket), "rows", len(rows))
	return nil
}

// Listen binds a Flight server for s on addr. The caller runs Serve and
// Shutdown on the result.
func (s *Server) Listen(addr string) (flight.Server, error) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, err
	}
	srv.RegisterFlightService(s)
	return srv, nil
}
