package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/avelkov/dancemill/internal/domain"
)

// PollState — состояние удалённого задания.
type PollState string

const (
	// PollPending — задание ещё обрабатывается.
	PollPending PollState = "pending"

	// PollDone — задание завершено, результат доступен для скачивания.
	PollDone PollState = "done"

	// PollFailed — задание завершилось ошибкой.
	PollFailed PollState = "failed"
)

// PollResult — результат одного poll.
type PollResult struct {
	// State — текущее состояние задания.
	State PollState `json:"state"`

	// Progress — прогресс в процентах (для state=pending).
	Progress int `json:"progress"`

	// OutputRef — ссылка на результат (для state=done).
	OutputRef string `json:"output_ref,omitempty"`

	// AudioPreserved — сохранил ли сервис исходную аудиодорожку.
	// Сервис обязан это декларировать; оркестратор не предполагает
	// ни того, ни другого.
	AudioPreserved bool `json:"audio_preserved"`

	// ErrorKind и Reason — класс и описание ошибки (для state=failed).
	ErrorKind domain.ErrorKind `json:"error_kind,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// Remote — контракт удалённой стадии.
//
// Poll обязан быть идемпотентным: повторные вызовы без побочных эффектов.
// Submit нельзя вызывать дважды для одной задачи, если handle уже был
// записан — после рестарта оркестратор возобновляет polling по
// сохранённому handle.
type Remote interface {
	// Submit отправляет задачу на обработку и возвращает handle задания.
	Submit(ctx context.Context, task *domain.Task) (string, error)

	// Poll возвращает текущее состояние задания.
	Poll(ctx context.Context, handle string) (*PollResult, error)

	// Download скачивает результат в destDir и возвращает локальный путь.
	Download(ctx context.Context, outputRef, destDir string) (string, error)

	// Cancel — best-effort прерывание задания.
	Cancel(ctx context.Context, handle string) error
}

// DriverClient — клиент automation-драйвера удалённого сервиса.
//
// Драйвер — отдельный процесс, который владеет браузерной сессией;
// клиент общается с ним простым JSON/HTTP API. Класс ошибки драйвер
// сообщает сам (он единственный видит страницу сервиса), клиент лишь
// переносит его в domain.StageError.
type DriverClient struct {
	baseURL string
	http    *http.Client
}

// NewDriverClient создаёт клиента драйвера.
func NewDriverClient(baseURL string) *DriverClient {
	return &DriverClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// submitRequest — тело запроса на отправку.
type submitRequest struct {
	TaskID    string `json:"task_id"`
	InputPath string `json:"input_path"`
	AccountID string `json:"account_id"`
}

// submitResponse — ответ драйвера на отправку.
type submitResponse struct {
	Handle    string           `json:"handle"`
	ErrorKind domain.ErrorKind `json:"error_kind,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// Submit реализует Remote.
func (c *DriverClient) Submit(ctx context.Context, task *domain.Task) (string, error) {
	var resp submitResponse
	err := c.post(ctx, "/v1/jobs", submitRequest{
		TaskID:    task.ID,
		InputPath: task.InputRef,
		AccountID: task.AccountID,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ErrorKind != "" {
		return "", domain.NewStageError(resp.ErrorKind, resp.Reason)
	}
	if resp.Handle == "" {
		return "", domain.NewStageError(domain.ErrKindTransientRemote, "driver returned empty handle")
	}
	return resp.Handle, nil
}

// Poll реализует Remote.
func (c *DriverClient) Poll(ctx context.Context, handle string) (*PollResult, error) {
	var result PollResult
	if err := c.get(ctx, "/v1/jobs/"+url.PathEscape(handle), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// downloadRequest — тело запроса на скачивание результата.
type downloadRequest struct {
	OutputRef string `json:"output_ref"`
	DestDir   string `json:"dest_dir"`
}

// downloadResponse — ответ драйвера на скачивание.
type downloadResponse struct {
	Path string `json:"path"`
}

// Download реализует Remote.
func (c *DriverClient) Download(ctx context.Context, outputRef, destDir string) (string, error) {
	var resp downloadResponse
	err := c.post(ctx, "/v1/downloads", downloadRequest{OutputRef: outputRef, DestDir: destDir}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Path == "" {
		return "", domain.NewStageError(domain.ErrKindTransientRemote, "driver returned empty download path")
	}
	return resp.Path, nil
}

// Cancel реализует Remote.
func (c *DriverClient) Cancel(ctx context.Context, handle string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/jobs/"+url.PathEscape(handle), nil)
	if err != nil {
		return fmt.Errorf("build cancel request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewStageError(domain.ErrKindTransientRemote, err.Error())
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

// --- транспорт ---

func (c *DriverClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *DriverClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

// do выполняет запрос и разбирает ответ.
// Сетевые сбои и 5xx — TransientRemote; 401/403 от драйвера означают
// невалидную сессию сервиса — AuthRequired.
func (c *DriverClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewStageError(domain.ErrKindTransientRemote, err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewStageError(domain.ErrKindTransientRemote, err.Error())
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.NewStageError(domain.ErrKindAuthRequired, "driver session invalid: "+string(data))
	case resp.StatusCode >= 500:
		return domain.NewStageError(domain.ErrKindTransientRemote, fmt.Sprintf("driver %d: %s", resp.StatusCode, data))
	case resp.StatusCode >= 400:
		return domain.NewStageError(domain.ErrKindFatalInput, fmt.Sprintf("driver %d: %s", resp.StatusCode, data))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return domain.NewStageError(domain.ErrKindTransientRemote, "decode driver response: "+err.Error())
	}
	return nil
}
