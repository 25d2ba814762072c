// Package replay собирает payload закэшированных tasks для endpoint'а.
//
// Endpoint'у нужны outputs уже завершённых шагов, чтобы детерминированно
// доиграть пользовательский код до точки возобновления, не выполняя
// side effects повторно. Полный набор может не влезать в лимит payload'а,
// поэтому packer отбирает максимальное ПО КОЛИЧЕСТВУ подмножество,
// укладывающееся в байтовый бюджет: маленькие tasks чаще являются
// metadata/control-flow шагами, отсутствие которых ломает детерминизм
// replay.
package replay
