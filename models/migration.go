package models

import (
	"log"

	"bitbucket.org/mmdatafocus/moneychanger_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&CustomerReceipt{}, &CustomerReceiptCurrency{},
		&DailyCurrencyBalance{}, &DepositRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
