// Package pipeline реализует оркестратор обработки видео.
//
// Оркестратор — единственный компонент, который двигает задачи по
// конвейеру INGEST → REMOTE → LOCAL:
//   - Периодически выбирает доступные задачи из Postgres (polling)
//   - Раздаёт их пулу воркеров (task-level параллелизм)
//   - Для REMOTE стадии выдаёт аккаунты через реестр и ведёт
//     submit/poll/download против удалённого сервиса
//   - Для LOCAL стадии получает допуск у контроллера ресурсов
//     и выполняет цепочку локальных инструментов
//   - Классифицирует ошибки и применяет retry с экспоненциальным
//     backoff, карантин или терминальный FAILED
//   - Watchdog переводит зависшие ACTIVE задачи на путь retry
//
// Все переходы состояний идут через optimistic-concurrency запись
// в Task Store: проигравший гонку воркер отпускает задачу без
// побочных эффектов. Задачи, ожидающие backoff или poll-интервала,
// паркуются полем not_before вместо удержания воркера.
package pipeline
