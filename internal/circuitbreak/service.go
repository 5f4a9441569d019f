package circuitbreak

import "github.com/callwise/recallq/internal/logging"

var CircuitBreakChan chan string

const (
	DBService            = "database"
	CourierService       = "courier"
	AIService            = "airesponder"
	KafkaProducerService = "kafka_producer"
	ArchiveService       = "archive"
)

func Init() {
	CircuitBreakChan = make(chan string)
}

func TriggerError(service string) {
	if CircuitBreakChan == nil {
		logging.Logger.Fatal("recallq app is not created")
	}

	CircuitBreakChan <- service
}
