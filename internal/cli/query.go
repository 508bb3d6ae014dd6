package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"tollwarehouse/internal/warehouse"
)

func (a *app) queryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Look up warehouse rows",
	}

	tx := &cobra.Command{
		Use:   "transaction <key>",
		Short: "Show one transaction joined with its plaza, vehicle, date and payment method",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("query transaction: invalid key %q", args[0])
			}

			w, closeFn, err := a.openWarehouse(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			d, err := w.Transaction(cmd.Context(), key)
			if errors.Is(err, warehouse.ErrNotFound) {
				return fmt.Errorf("transaction %d not found", key)
			}
			if err != nil {
				return err
			}
			printTransaction(a.stdout, d)
			return nil
		},
	}

	cmd.AddCommand(tx)
	return cmd
}

func printTransaction(w io.Writer, d warehouse.TransactionDetail) {
	row := func(label, value string) { fmt.Fprintf(w, "%-22s %s\n", label, value) }

	row("transaction_key", strconv.FormatInt(d.TransactionKey, 10))
	row("toll_fee", dec(d.TollFee))
	row("travel_distance_km", dec(d.TravelDistanceKm))
	row("travel_time_seconds", i64(d.TravelTimeSeconds))
	row("queue_length", i64(d.QueueLength))

	row("plaza", fmt.Sprintf("%s %s (key %s)", str(d.TollPlazaID), str(d.PlazaName), i64(d.TollPlazaKey)))
	row("vehicle", fmt.Sprintf("%s %s %s, %s axles (key %s)", str(d.VehicleID), str(d.LicensePlate), str(d.VehicleType), i64(d.AxleCount), i64(d.VehicleKey)))
	row("date", fmt.Sprintf("%s Q%s day_of_week=%s (key %s)", d.FullDate, i64(d.Quarter), i64(d.DayOfWeek), i64(d.DateKey)))
	row("payment_method", fmt.Sprintf("%s (key %s)", str(d.MethodName), i64(d.PaymentMethodKey)))
}

func str(s sql.NullString) string {
	if !s.Valid {
		return "NULL"
	}
	return s.String
}

func i64(v sql.NullInt64) string {
	if !v.Valid {
		return "NULL"
	}
	return strconv.FormatInt(v.Int64, 10)
}

func dec(v decimal.NullDecimal) string {
	if !v.Valid {
		return "NULL"
	}
	return v.Decimal.StringFixed(2)
}
