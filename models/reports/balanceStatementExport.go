package reports

import (
	"context"
	"fmt"
	"io"
	"time"

	"bitbucket.org/mmdatafocus/moneychanger_backend/models"
	"github.com/xuri/excelize/v2"
)

var statementHeadings = []string{
	"Currency", "Opening Balance", "Purchases", "Exchange Buy",
	"Exchange Sell", "Sales", "Deposits", "Closing Balance",
}

// ExportBalanceStatement writes the balance statement for [fromDay, toDay] as
// an xlsx workbook. Exports always carry the full currency set so the sheet
// has a stable shape regardless of activity.
func ExportBalanceStatement(ctx context.Context, w io.Writer, fromDay, toDay time.Time) error {
	rows, err := models.GetBalanceStatement(ctx, fromDay, toDay, models.StatementOptions{
		IncludeZeroCurrencies: true,
	})
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	sheetName := "Balance Statement"
	idx, err := f.NewSheet(sheetName)
	if err != nil {
		return err
	}
	f.SetActiveSheet(idx)
	f.DeleteSheet("Sheet1")

	f.SetCellValue(sheetName, "A1", fmt.Sprintf("Balance Statement %s to %s",
		fromDay.Format("2006-01-02"), toDay.Format("2006-01-02")))

	col := 'A'
	for _, h := range statementHeadings {
		f.SetCellValue(sheetName, fmt.Sprintf("%c2", col), h)
		col++
	}

	for i, row := range rows {
		rowNo := i + 3
		f.SetCellValue(sheetName, "A"+fmt.Sprint(rowNo), row.CurrencyType)
		f.SetCellValue(sheetName, "B"+fmt.Sprint(rowNo), row.OpeningBalance)
		f.SetCellValue(sheetName, "C"+fmt.Sprint(rowNo), row.Purchases)
		f.SetCellValue(sheetName, "D"+fmt.Sprint(rowNo), row.ExchangeBuy)
		f.SetCellValue(sheetName, "E"+fmt.Sprint(rowNo), row.ExchangeSell)
		f.SetCellValue(sheetName, "F"+fmt.Sprint(rowNo), row.Sales)
		f.SetCellValue(sheetName, "G"+fmt.Sprint(rowNo), row.Deposits)
		f.SetCellValue(sheetName, "H"+fmt.Sprint(rowNo), row.ClosingBalance)
	}

	return f.Write(w)
}
