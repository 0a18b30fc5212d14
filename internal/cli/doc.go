// Package cli реализует команды инструмента dancemill.
//
// # Обзор
//
// CLI — единственная точка входа в систему: один бинарник с
// подкомандами поверх общей конфигурации и Postgres.
//
//   - enqueue: сканирует каталог, регистрирует batch задач
//   - run: запускает оркестратор и работает до завершения batch'а
//   - status: состояние задач и журналы
//   - retry: возврат FAILED/NEEDS_INTERVENTION задач в очередь
//   - report: сводка прогона (таблица или JSON)
//
// # Коды возврата
//
//   - enqueue: 0 при успехе, 2 при некорректном входе
//   - run: 0 — все задачи терминальны и success rate не ниже порога,
//     1 — есть FAILED, 2 — фатальная ошибка старта
//
// ## Output
//
// Форматирование вывода: таблицы (text/tabwriter) по умолчанию,
// JSON с флагом --json. Данные идут в stdout, сообщения — в stderr,
// что позволяет использовать pipe: dancemill status --json | jq .
package cli
