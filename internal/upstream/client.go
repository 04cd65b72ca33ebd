package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"centralmed/flow-service/internal/models"
)

// Client is the typed face of the remote clinic API. Read operations decode
// malformed or empty payloads as empty collections; only transport-level
// failures surface as errors. Write commands are never retried here.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type patientPayload struct {
	ID   string `json:"id"`
	Nome string `json:"nome"`
}

type entryPayload struct {
	ID         string         `json:"id"`
	Paciente   patientPayload `json:"paciente"`
	Hora       string         `json:"hora"`
	Prioridade string         `json:"prioridade"`
	IsRetorno  bool           `json:"isRetorno"`
	Senha      string         `json:"senha"`
	MedicoID   string         `json:"medicoId"`
}

func (p entryPayload) toEntry(stage string) models.WaitingEntry {
	return models.WaitingEntry{
		EntryID:            p.ID,
		PatientID:          p.Paciente.ID,
		PatientName:        p.Paciente.Nome,
		TicketCode:         p.Senha,
		ArrivalTime:        p.Hora,
		Stage:              stage,
		PriorityClass:      priorityFromUpstream(p.Prioridade),
		IsReturnVisit:      p.IsRetorno,
		AssignedProviderID: p.MedicoID,
	}
}

func priorityFromUpstream(value string) string {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "PREFERENCIAL":
		return models.PriorityPreferential
	case "URGENTE", "PRIORITARIO":
		return models.PriorityHigh
	default:
		return models.PriorityNormal
	}
}

func (c *Client) TriageQueue(ctx context.Context) ([]models.WaitingEntry, error) {
	var payload []entryPayload
	if err := c.get(ctx, "/api/fila-triagem", nil, &payload); err != nil {
		return nil, err
	}
	entries := make([]models.WaitingEntry, 0, len(payload))
	for _, item := range payload {
		entries = append(entries, item.toEntry(models.StageAwaitingTriage))
	}
	return entries, nil
}

type doctorQueuesPayload struct {
	MinhaFila []entryPayload `json:"minhaFila"`
	FilaGeral []entryPayload `json:"filaGeral"`
}

func (c *Client) DoctorQueues(ctx context.Context) (models.DoctorQueues, error) {
	var payload doctorQueuesPayload
	if err := c.get(ctx, "/api/fila-medico", nil, &payload); err != nil {
		return models.DoctorQueues{}, err
	}
	queues := models.DoctorQueues{
		Mine:    make([]models.WaitingEntry, 0, len(payload.MinhaFila)),
		General: make([]models.WaitingEntry, 0, len(payload.FilaGeral)),
	}
	for _, item := range payload.MinhaFila {
		queues.Mine = append(queues.Mine, item.toEntry(models.StageAwaitingConsultation))
	}
	for _, item := range payload.FilaGeral {
		queues.General = append(queues.General, item.toEntry(models.StageAwaitingConsultation))
	}
	return queues, nil
}

type lotPayload struct {
	NumeroLote   string      `json:"numeroLote"`
	DataValidade string      `json:"dataValidade"`
	Quantidade   json.Number `json:"quantidade"`
}

type stockItemPayload struct {
	Nome          string       `json:"nome"`
	EstoqueMinimo json.Number  `json:"estoqueMinimo"`
	Lotes         []lotPayload `json:"lotes"`
}

func (c *Client) StockItems(ctx context.Context) ([]models.StockItem, error) {
	var payload []stockItemPayload
	if err := c.get(ctx, "/api/estoque", nil, &payload); err != nil {
		return nil, err
	}
	items := make([]models.StockItem, 0, len(payload))
	for _, raw := range payload {
		item := models.StockItem{
			Name:             raw.Nome,
			MinimumThreshold: parseQuantity(raw.EstoqueMinimo),
			Lots:             make([]models.StockLot, 0, len(raw.Lotes)),
		}
		for _, lot := range raw.Lotes {
			expiry, err := parseDate(lot.DataValidade)
			if err != nil {
				log.Printf("upstream bad expiry date item=%s lot=%s: %v", raw.Nome, lot.NumeroLote, err)
				continue
			}
			item.Lots = append(item.Lots, models.StockLot{
				LotNumber:      lot.NumeroLote,
				ExpiryDate:     expiry,
				QuantityOnHand: parseQuantity(lot.Quantidade),
			})
		}
		items = append(items, item)
	}
	return items, nil
}

type callPayload struct {
	ID    json.Number `json:"id"`
	Senha string      `json:"senha"`
	Local string      `json:"local"`
}

// LatestCall fetches the panel's "now serving" snapshot. The request is
// cache-busted so every 3-second poll can observe a just-changed value.
func (c *Client) LatestCall(ctx context.Context) (models.CalledTicket, bool, error) {
	query := url.Values{"t": {strconv.FormatInt(time.Now().UnixNano(), 10)}}
	var payload callPayload
	if err := c.get(ctx, "/api/painel/ultima-chamada", query, &payload); err != nil {
		return models.CalledTicket{}, false, err
	}
	if payload.ID.String() == "" {
		return models.CalledTicket{}, false, nil
	}
	return models.CalledTicket{
		CallID:       payload.ID.String(),
		TicketCode:   payload.Senha,
		StationLabel: payload.Local,
	}, true, nil
}

type startResponse struct {
	ConsultaID string `json:"consultaId"`
}

func (c *Client) StartTreatment(ctx context.Context, entryID string) (string, error) {
	var response startResponse
	if err := c.post(ctx, "/api/atendimentos/"+url.PathEscape(entryID)+"/iniciar", &response); err != nil {
		return "", err
	}
	if response.ConsultaID == "" {
		// Older upstream versions reuse the entry id as consultation id.
		return entryID, nil
	}
	return response.ConsultaID, nil
}

func (c *Client) CompleteTriage(ctx context.Context, entryID string) error {
	return c.post(ctx, "/api/triagem/"+url.PathEscape(entryID)+"/concluir", nil)
}

func (c *Client) FinalizeTreatment(ctx context.Context, consultationID string) error {
	return c.post(ctx, "/api/consultas/"+url.PathEscape(consultationID)+"/finalizar", nil)
}

type vitalsPayload struct {
	PacienteID  string  `json:"pacienteId"`
	Pressao     string  `json:"pressao"`
	Frequencia  int     `json:"frequencia"`
	Temperatura float64 `json:"temperatura"`
	Peso        float64 `json:"peso"`
	Observacoes string  `json:"observacoes"`
}

func (c *Client) TriageVitals(ctx context.Context, patientID string) (models.TriageVitals, error) {
	var payload vitalsPayload
	if err := c.get(ctx, "/api/triagem/paciente/"+url.PathEscape(patientID), nil, &payload); err != nil {
		return models.TriageVitals{}, err
	}
	return models.TriageVitals{
		PatientID:     payload.PacienteID,
		BloodPressure: payload.Pressao,
		HeartRate:     payload.Frequencia,
		TemperatureC:  payload.Temperatura,
		WeightKg:      payload.Peso,
		Notes:         payload.Observacoes,
	}, nil
}

type visitPayload struct {
	ID     string `json:"id"`
	Data   string `json:"data"`
	Medico string `json:"medico"`
	Resumo string `json:"resumo"`
}

func (c *Client) VisitHistory(ctx context.Context, patientID string) ([]models.VisitRecord, error) {
	var payload []visitPayload
	if err := c.get(ctx, "/api/consultas/paciente/"+url.PathEscape(patientID), nil, &payload); err != nil {
		return nil, err
	}
	records := make([]models.VisitRecord, 0, len(payload))
	for _, visit := range payload {
		records = append(records, models.VisitRecord{
			VisitID:      visit.ID,
			Date:         visit.Data,
			ProviderName: visit.Medico,
			Summary:      visit.Resumo,
		})
	}
	return records, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: GET %s status %d", ErrUnavailable, path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		// Malformed payloads read as empty collections, never as fatal.
		log.Printf("upstream malformed payload path=%s: %v", path, err)
		return nil
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%w: POST %s status %d: %s", ErrRejected, path, resp.StatusCode, message)
	}
	if out != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			log.Printf("upstream malformed response path=%s: %v", path, err)
		}
	}
	return nil
}

func parseQuantity(value json.Number) decimal.Decimal {
	quantity, err := decimal.NewFromString(value.String())
	if err != nil {
		return decimal.Zero
	}
	return quantity
}

func parseDate(value string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "02/01/2006", time.RFC3339} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}
