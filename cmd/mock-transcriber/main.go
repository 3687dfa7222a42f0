package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"
)

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	text := flag.String("text", "테스트 전사 결과입니다", "Transcription returned for every request")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	fail := flag.String("fail", "", "Answer every request with this error")
	partial := flag.Bool("partial", true, "Acknowledge audio chunks with partial transcriptions")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	mock := newMockTranscriber(mockOptions{
		Text:    *text,
		Delay:   *delay,
		Fail:    *fail,
		Partial: *partial,
	}, logger)

	logger.Info("Mock transcriber starting",
		slog.String("address", *addr),
		slog.String("transcribe", "POST /transcribe"),
		slog.String("stream", "GET /ws"))

	server := &http.Server{
		Addr:              *addr,
		Handler:           mock.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
