package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"clob-agent/internal/monitor"
	"clob-agent/pkg/db"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report := HealthReport{Overall: "healthy"}
	add := func(s HealthStatus) {
		s.Timestamp = time.Now()
		if s.Status != "healthy" {
			report.Overall = "unhealthy"
		}
		report.Services = append(report.Services, s)
	}

	add(checkHTTP(ctx, "http://127.0.0.1:"+getEnv("PORT", "8080")+"/health"))
	add(checkGRPC(ctx, "127.0.0.1:"+getEnv("GRPC_PORT", "9090")))
	if path := os.Getenv("ORDER_JOURNAL_PATH"); path != "" {
		add(checkJournal(path))
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	if report.Overall != "healthy" {
		os.Exit(1)
	}
}

func checkHTTP(ctx context.Context, url string) HealthStatus {
	st := HealthStatus{Service: "api"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		st.Status, st.Message = "unhealthy", err.Error()
		return st
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		st.Status, st.Message = "unhealthy", err.Error()
		return st
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		st.Status, st.Message = "unhealthy", resp.Status
		return st
	}
	st.Status = "healthy"
	return st
}

func checkGRPC(ctx context.Context, addr string) HealthStatus {
	st := HealthStatus{Service: "grpc"}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		st.Status, st.Message = "unhealthy", err.Error()
		return st
	}
	defer conn.Close()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: monitor.ServiceName})
	if err != nil {
		st.Status, st.Message = "unhealthy", err.Error()
		return st
	}
	st.Message = resp.Status.String()
	if resp.Status == grpc_health_v1.HealthCheckResponse_SERVING {
		st.Status = "healthy"
	} else {
		st.Status = "unhealthy"
	}
	return st
}

func checkJournal(path string) HealthStatus {
	st := HealthStatus{Service: "journal"}
	database, err := db.New(path)
	if err != nil {
		st.Status, st.Message = "unhealthy", err.Error()
		return st
	}
	defer database.Close()
	if err := database.DB.Ping(); err != nil {
		st.Status, st.Message = "unhealthy", err.Error()
		return st
	}
	st.Status = "healthy"
	return st
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
