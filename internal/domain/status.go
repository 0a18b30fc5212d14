package domain

// Stage — стадия обработки задачи.
//
// Pipeline фиксированный и линейный:
//
//	INGEST → REMOTE → LOCAL
//
// INGEST — задача только что обнаружена, ещё не планировалась.
// REMOTE — обработка на удалённом AI-сервисе (submit/poll/download).
// LOCAL  — локальная GPU-постобработка (superres, matting, background, finalize).
type Stage string

const (
	// StageIngest — задача создана, ожидает входа в pipeline.
	StageIngest Stage = "INGEST"

	// StageRemote — стадия удалённой обработки.
	StageRemote Stage = "REMOTE"

	// StageLocal — стадия локальной GPU-обработки.
	StageLocal Stage = "LOCAL"
)

// Next возвращает следующую стадию pipeline.
// Для последней стадии возвращает пустое значение.
func (s Stage) Next() (Stage, bool) {
	switch s {
	case StageIngest:
		return StageRemote, true
	case StageRemote:
		return StageLocal, true
	default:
		return "", false
	}
}

// Status — статус задачи в рамках текущей стадии.
//
// Комбинация Stage × Status образует единое состояние задачи:
//
//	INGESTED → REMOTE_PENDING → REMOTE_ACTIVE → REMOTE_DONE →
//	LOCAL_PENDING → LOCAL_ACTIVE → COMPLETED
//
// FAILED и NEEDS_INTERVENTION достижимы из любого ACTIVE состояния.
type Status string

const (
	// StatusPending — задача ожидает планирования на текущей стадии.
	StatusPending Status = "PENDING"

	// StatusActive — задача выполняется (у задачи не может быть
	// двух ACTIVE стадий одновременно).
	StatusActive Status = "ACTIVE"

	// StatusCompleted — стадия завершена. На последней стадии —
	// терминальный успех всей задачи.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed — терминальная неудача после исчерпания retry.
	StatusFailed Status = "FAILED"

	// StatusNeedsIntervention — карантин: задача исключена из
	// автоматического планирования до явного действия оператора.
	StatusNeedsIntervention Status = "NEEDS_INTERVENTION"
)

// IsTerminal возвращает true, если статус финальный для всей задачи.
// COMPLETED терминален только на последней стадии: REMOTE_DONE —
// промежуточное состояние перед LOCAL_PENDING.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case StatusFailed, StatusNeedsIntervention:
		return true
	case StatusCompleted:
		return t.Stage == StageLocal
	default:
		return false
	}
}

// State возвращает комбинированное имя состояния (для логов и отчётов).
func (t *Task) State() string {
	if t.Stage == StageIngest && t.Status == StatusPending {
		return "INGESTED"
	}
	if t.Stage == StageLocal && t.Status == StatusCompleted {
		return "COMPLETED"
	}
	switch t.Status {
	case StatusFailed, StatusNeedsIntervention:
		return string(t.Status)
	case StatusCompleted:
		return string(t.Stage) + "_DONE"
	default:
		return string(t.Stage) + "_" + string(t.Status)
	}
}

// stateKey — пара (стадия, статус) для таблицы переходов.
type stateKey struct {
	Stage  Stage
	Status Status
}

// validTransitions — допустимые переходы состояний.
// Любой переход вне таблицы — ошибка программирования оркестратора.
var validTransitions = map[stateKey][]stateKey{
	{StageIngest, StatusPending}: {
		{StageRemote, StatusPending},
		{StageIngest, StatusFailed}, // отмена до входа в pipeline
	},
	{StageRemote, StatusPending}: {
		{StageRemote, StatusActive},
		{StageRemote, StatusFailed},
	},
	{StageRemote, StatusActive}: {
		{StageRemote, StatusCompleted},
		{StageRemote, StatusPending}, // retry после backoff
		{StageRemote, StatusFailed},
		{StageRemote, StatusNeedsIntervention},
	},
	{StageRemote, StatusCompleted}: {
		{StageLocal, StatusPending},
	},
	{StageLocal, StatusPending}: {
		{StageLocal, StatusActive},
		{StageLocal, StatusFailed},
	},
	{StageLocal, StatusActive}: {
		{StageLocal, StatusCompleted},
		{StageLocal, StatusPending}, // retry после backoff
		{StageLocal, StatusFailed},
		{StageLocal, StatusNeedsIntervention},
	},
	// Операторский retry из терминальных состояний.
	{StageRemote, StatusFailed}:            {{StageRemote, StatusPending}},
	{StageLocal, StatusFailed}:             {{StageLocal, StatusPending}},
	{StageIngest, StatusFailed}:            {{StageIngest, StatusPending}},
	{StageRemote, StatusNeedsIntervention}: {{StageRemote, StatusPending}},
	{StageLocal, StatusNeedsIntervention}:  {{StageLocal, StatusPending}},
}

// CanTransition проверяет допустимость перехода по таблице состояний.
func CanTransition(fromStage Stage, fromStatus Status, toStage Stage, toStatus Status) bool {
	for _, next := range validTransitions[stateKey{fromStage, fromStatus}] {
		if next.Stage == toStage && next.Status == toStatus {
			return true
		}
	}
	return false
}
