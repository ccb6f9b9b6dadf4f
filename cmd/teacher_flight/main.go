// teacher_flight serves a teacher logit file over Arrow Flight so trainers
// on other hosts can fetch it with teacher_flight_addr.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/23skdu/longbow-distill/internal/dataset"
	"github.com/23skdu/longbow-distill/internal/logger"
	"github.com/23skdu/longbow-distill/internal/teacher"
)

var (
	addr      = flag.String("addr", "localhost:8815", "Flight listen address")
	file      = flag.String("file", "", "Teacher logit Arrow file")
	ticket    = flag.String("ticket", teacher.DefaultTicket, "Ticket the logits are published under")
	chunkRows = flag.Int("chunk", 4096, "Rows per streamed record")
	logLevel  = flag.String("log-level", "info", "Log level")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, "console")

	if *file == "" {
		fmt.Println("Error: --file flag is required")
		flag.Usage()
		os.Exit(1)
	}

	rows, err := dataset.ReadTeacherFile(*file)
	if err != nil {
		logger.Log.Error("Failed to read teacher logits", "error", err)
		os.Exit(1)
	}

	srv := teacher.NewServer()
	srv.ChunkRows = *chunkRows
	srv.Publish(*ticket, rows)

	fs, err := srv.Listen(*addr)
	if err != nil {
		logger.Log.Error("Failed to listen", "addr", *addr, "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info("Interrupt received, shutting down...")
		fs.Shutdown()
	}()

	logger.Log.Info("Serving teacher logits", "addr", fs.Addr().String(), "ticket", *ticket, "rows", len(rows))
	if err := fs.Serve(); err != nil {
		logger.Log.Error("Flight server error", "error", err)
		os.Exit(1)
	}
}
