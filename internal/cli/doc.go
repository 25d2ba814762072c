// Package cli реализует инструмент командной строки Courier.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с Courier API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
// CLI используется для управления runs и окружениями.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Courier API. Инкапсулирует все HTTP-запросы,
// парсинг ответов (DataResponse, ListResponse, ErrorResponse)
// и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8080")
//	runs, err := client.ListRuns(opts)
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON (json.MarshalIndent) — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: courier run list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - run: list, start, show, cancel, tasks
//   - env: list, ping, validate, index, probe
//
// Каждая группа создаётся через фабричную функцию (NewRunCmd и т.д.),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
