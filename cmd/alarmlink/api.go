package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/caarlos0/alarmlink"
	"github.com/caarlos0/alarmlink/companion"
	"github.com/caarlos0/alarmlink/sms"
)

// Device is what the HTTP ingress needs from the core.
type Device interface {
	HandleSMS(sender, body string) (sms.Result, error)
	Status() alarmlink.DeviceStatus
	Online() bool
	ConnectionState() alarmlink.ConnectionState
	LatestPreview() (companion.Preview, bool)
}

type api struct {
	device Device
	cmd    Commander
}

type statusResponse struct {
	Armed      bool      `json:"armed"`
	Locked     bool      `json:"locked"`
	Motion     string    `json:"motion"`
	SoundLevel int       `json:"sound_level"`
	Alarming   bool      `json:"alarming"`
	UpdatedAt  time.Time `json:"updated_at"`
	Online     bool      `json:"online"`
	Connection string    `json:"connection"`
}

func (a api) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s := a.device.Status()
	writeJSON(w, http.StatusOK, statusResponse{
		Armed:      s.Armed,
		Locked:     s.Locked,
		Motion:     s.Motion.String(),
		SoundLevel: s.SoundLevel,
		Alarming:   s.Alarming,
		UpdatedAt:  s.UpdatedAt,
		Online:     a.device.Online(),
		Connection: a.device.ConnectionState().String(),
	})
}

// inboundSMS receives messages forwarded by an SMS gateway.
func (a api) inboundSMS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, err := a.device.HandleSMS(r.FormValue("sender"), r.FormValue("body"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"kind":   res.Kind.String(),
		"format": res.Format,
	})
}

func (a api) command(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cmd, err := alarmlink.ParseCommand(r.FormValue("cmd"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := a.cmd.SendCommand(ctx, cmd); err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, companion.ErrUnsupported) || errors.Is(err, sms.ErrInvalidNumber) {
			code = http.StatusConflict
		}
		http.Error(w, err.Error(), code)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a api) preview(w http.ResponseWriter, r *http.Request) {
	p, ok := a.device.LatestPreview()
	if !ok {
		http.Error(w, "no preview", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Last-Modified", p.At.UTC().Format(http.TimeFormat))
	_, _ = w.Write(p.Data)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("could not write response", "err", err)
	}
}
