// Package executor содержит контракты и реализации исполнителей стадий.
//
// Для оркестратора обе стадии непрозрачны:
//   - Remote — контракт submit/poll/download удалённого AI-сервиса;
//     реализация DriverClient общается по HTTP с локальным
//     automation-драйвером (механика браузера — вне этого модуля)
//   - Local — контракт run локальной GPU-постобработки; реализация
//     CommandRunner запускает настроенную цепочку внешних инструментов
//     (Real-ESRGAN, RVM, ffmpeg) последовательно внутри одной lease
//
// Все ошибки исполнителей несут машиночитаемый domain.ErrorKind —
// оркестратор классифицирует их единообразно, исполнители сами
// retry не делают.
package executor
