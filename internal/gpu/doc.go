// Package gpu реализует контроллер допуска к локальным ресурсам.
//
// Контроллер владеет фиксированным пулом слотов выполнения (ограничен
// потолком конкуренции) и мягким бюджетом видеопамяти. Локальная стадия
// получает Lease перед запуском внешних инструментов и возвращает её
// после завершения; отказ в допуске — не ошибка, задача остаётся PENDING
// до следующего прохода планировщика.
//
// Сигнал Degrade (внешний монитор сообщил о перегреве или нехватке
// памяти) временно снижает эффективный потолок слотов, не прерывая
// уже выданные lease.
package gpu
