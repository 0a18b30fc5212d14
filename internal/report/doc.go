// Package report строит сводку по прогону batch'а.
//
// Сводка — чистая функция от списка задач и состояния аккаунтов:
// счётчики по состояниям, success rate, статистика длительностей
// стадий и перечень задач, требующих внимания оператора. CLI
// выводит её таблицей или JSON.
package report
