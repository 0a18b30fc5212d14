// Package accounts реализует реестр аккаунтов удалённого сервиса.
//
// Реестр — единственный владелец счётчиков аккаунтов:
//   - выдача аккаунта под задачу (Acquire) с атомарной проверкой
//     суточной квоты и лимита одновременных заданий
//   - балансировка: выбирается аккаунт с наименьшим числом активных
//     заданий, при равенстве — с самым ранним сбросом квоты
//   - rate window: случайная пауза между отправками на одном аккаунте;
//     реестр сообщает оркестратору время следующей допустимой отправки,
//     оркестратор паркует задачу, а не блокирует воркер
//   - cooldown после сигнала детекции автоматизации
//   - сброс суточных счётчиков на границе, заданной cron-выражением
//
// Никакой другой компонент не читает и не пишет счётчики аккаунтов напрямую.
package accounts
