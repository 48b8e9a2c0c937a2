package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/chatflow-io/chatflow/internal/database"
	"github.com/chatflow-io/chatflow/internal/stats"
)

type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

type MetricsResponse struct {
	Counters            map[string]int64       `json:"counters"`
	ActiveUsersLastHour int64                  `json:"activeUsersLastHour"`
	MessagesPerMinute   []database.MessageRate `json:"messagesPerMinute,omitempty"`
	TopUsers            []database.UserStats   `json:"topUsers,omitempty"`
	TopRooms            []database.RoomStats   `json:"topRooms,omitempty"`
}

func (s *OpsServer) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *OpsServer) healthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string, len(s.components)),
	}

	statusCode := http.StatusOK
	for name, ping := range s.components {
		if err := ping(); err != nil {
			resp.Components[name] = err.Error()
			resp.Status = "degraded"
			statusCode = http.StatusServiceUnavailable
			continue
		}
		resp.Components[name] = "ok"
	}

	s.writeJson(w, statusCode, resp)
}

func (s *OpsServer) metrics(w http.ResponseWriter, r *http.Request) {
	resp := MetricsResponse{
		Counters: make(map[string]int64, len(stats.AllCounters)),
	}
	for _, name := range stats.AllCounters {
		resp.Counters[name] = s.stats.Value(name)
	}

	if s.repo != nil {
		now := time.Now().UTC()

		activeUsers, err := s.repo.CountActiveUsers(now.Add(-time.Hour), now)
		if err != nil {
			errResp := NewInternalServerError(err)
			s.log.Println("metrics:", errResp)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		resp.ActiveUsersLastHour = activeUsers

		if resp.MessagesPerMinute, err = s.repo.MessagesPerMinute(now.Add(-10*time.Minute), now); err != nil {
			errResp := NewInternalServerError(err)
			s.log.Println("metrics:", errResp)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		if resp.TopUsers, err = s.repo.TopUsers(10); err != nil {
			errResp := NewInternalServerError(err)
			s.log.Println("metrics:", errResp)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		if resp.TopRooms, err = s.repo.TopRooms(10); err != nil {
			errResp := NewInternalServerError(err)
			s.log.Println("metrics:", errResp)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	s.writeJson(w, http.StatusOK, resp)
}
