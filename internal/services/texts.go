package services

// User-facing texts. HTML markup is used where the reply is sent in HTML mode.
const (
	textHelp = `Команды:
⚪ /retry – Повторить последний ответ бота
⚪ /new – Начать новый диалог
⚪ /mode – Выбор вида собеседника
⚪ /balance – Показать баланс
⚪ /help – Помощь
`
	textStart = "Привет! Я <b>ChatGPT</b> бот\n\n" + textHelp + "\nСпрашивай меня о чём угодно!"

	textNewDialog      = "Начинаю новый диалог ✅"
	textTimeoutDialog  = "Начинаю новый диалог из-за таймаута (<b>%s</b> mode) ✅"
	textNothingToRetry = "No message to retry 🤷‍♂️"
	textEditedMessage  = "🥲 К сожалению, изменение <b>сообщений</b> не поддерживается"
	textModelError     = "Произошла ошибка. Причина: %v"
	textVoiceEcho      = "🎤: <i>%s</i>"

	textTrimSingular = "✍️ <i>Пометка:</i> Твой текущий диалог с ботом слишком длинный, твоё <b>первое сообщение</b> удалено.\n Отправь команду /new чтобы начать новый диалог"
	textTrimPlural   = "✍️ <i>Пометка:</i> Твой текущий диалог с ботом слишком длинный, <b>%d первых сообщений</b> было удалено из чата.\n Отправь команду /new чтобы начать новый диалог"

	textChooseMode   = "Выберите собеседника:"
	textModeSelected = "<b>%s</b> собеседник выбран"

	textChannelGate   = "Вы не подписаны на наш канал. Чтобы начать работу с ботом, подпишись!"
	textChannelButton = "Подписаться❤"

	textQuotaExceeded = "🔴У тебя не осталось токенов :(\n Ты можешь купить подписку за %s рублей, либо дождаться следующего дня."
	textBuyButton     = "Купить подписку❤"

	textBalance      = "Ты потратил %s\nТы можешь использовать ещё %s\nЛибо купить месячную подписку за %s рублей для безлимитного доступа к боту."
	textSubscribed   = "Поздравляю, у тебя активирована подписка!\nОна действует до %s"
	textCheckout     = "Стоимость подписки %s рублей. Нажми на кнопочку, чтобы приобрести её."
	textPurchaseDone = "Поздравляю с приобретённой подпиской!"

	textErrorReport   = "An exception was raised while handling an update\n<pre>update = %s</pre>\n\n<pre>%s</pre>"
	textReporterFault = "Some error in error handler"

	dateLayout = "02.01.2006 15:04 MST"
)
