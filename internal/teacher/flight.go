package teacher

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-distill/internal/dataset"
	"github.com/23skdu/longbow-distill/internal/logger"
)

// DefaultTicket is requested when no ticket is configured.
const DefaultTicket = "teacher_logits"

// FlightSource streams teacher logits with a single DoGet.
type FlightSource struct {
	addr    string
	ticket  string
	timeout time.Duration
	client  flight.Client
}

func NewFlightSource(addr, ticket string) *FlightSource {
	if ticket == "" {
		ticket = DefaultTicket
	}
	return &FlightSource{
		addr:    addr,
		ticket:  ticket,
		timeout: 5 * time.Minute,
	}
}

// Connect dials the endpoint. Logits connects lazily when it has not been called.
func (s *FlightSource) Connect() error {
	if s.client != nil {
		return nil
	}
	client, err := flight.NewClientWithMiddleware(s.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client for %s: %w", s.addr, err)
	}
	s.client = client
	return nil
}

func (s *FlightSource) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *FlightSource) Logits(ctx context.Context) ([][]float64, error) {
	if err := s.Connect(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stream, err := s.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(s.ticket)})
	if err != nil {
		return nil, fmt.Errorf("DoGet %q: %w", s.ticket, err)
	}
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("open record stream: %w", err)
	}
	defer reader.Release()

	var rows [][]float64
	for reader.Next() {
		part, err := dataset.DecodeTeacherLogits(reader.Record())
		if err != nil {
			return nil, err
		}
		rows = append(rows, part...)
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("read record stream: %w", err)
	}

	logger.Log.Debug("Teacher logits received", "addr", s.addr, "ticket", s.ticket, "rows", len(rows))
	return rows, nil
}
