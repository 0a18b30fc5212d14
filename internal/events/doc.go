// Package events публикует события жизненного цикла задач в RabbitMQ.
//
// Публикация необязательна: без настроенного amqp_url оркестратор
// работает как обычно, внешние наблюдатели просто не получают событий.
// Ошибка публикации никогда не влияет на обработку задачи — источник
// истины остаётся в Postgres, события лишь дублируют переходы для
// мониторинга и уведомлений.
package events
