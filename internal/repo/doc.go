// Package repo реализует durable-хранилище системы поверх Postgres.
//
// Хранилище — единственный источник истины о задачах:
//   - TaskRepo — задачи, переходы с optimistic concurrency, append-only журнал,
//     recovery-скан при старте процесса
//   - AccountRepo — персистентное состояние аккаунтов (квоты, cooldown)
//   - BatchRepo — группы задач для отчётности
//
// Все остальные компоненты читают и пишут состояние только через repo.
package repo
