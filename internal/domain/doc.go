// Package domain содержит основные типы данных системы.
//
// Здесь определены:
//   - Task — задача обработки одного видео (taск проходит все стадии pipeline)
//   - Account — аккаунт удалённого сервиса с квотами и rate-limit
//   - Batch — группа задач, поставленных в очередь одной командой
//   - Stage/Status — закрытые перечисления стадий и статусов
//   - ErrorKind — таксономия ошибок для классификации retry
//   - RetryPolicy — политика повторных попыток с exponential backoff
//
// Типы domain не зависят от хранилища и оркестратора —
// это общий словарь всех компонентов системы.
package domain
