// agriAssist Database CLI Tool
// Provides read-only command-line access to the field controller database
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mertkan-iscan/agriAssist-sub000/internal/storage"
)

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "agriassist-db",
		Short: "agriAssist Database CLI",
		Long:  "Command-line tool for inspecting the agriAssist field controller database.",
	}

	devicesCmd = &cobra.Command{
		Use:   "devices",
		Short: "List all devices",
		RunE:  listDevices,
	}

	fieldsCmd = &cobra.Command{
		Use:   "fields",
		Short: "List fields and their soil constants",
		RunE:  listFields,
	}

	readingsCmd = &cobra.Command{
		Use:   "readings [device-id]",
		Short: "Show sensor readings",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showReadings,
	}

	irrigationCmd = &cobra.Command{
		Use:   "irrigation [field-id]",
		Short: "Show irrigation requests",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showIrrigation,
	}

	waterCmd = &cobra.Command{
		Use:   "water [field-id]",
		Short: "Show field water balance states",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showWater,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE:  showStats,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}

	limit int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "/var/lib/agriassist/agriassist.db", "Database file path")

	readingsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	irrigationCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	waterCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(fieldsCmd)
	rootCmd.AddCommand(readingsCmd)
	rootCmd.AddCommand(irrigationCmd)
	rootCmd.AddCommand(waterCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*storage.DB, error) {
	return storage.OpenReadOnly(dbPath)
}

func optionalID(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", args[0])
	}
	return id, nil
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func listDevices(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	devices, err := db.ListDevices(context.Background(), "")
	if err != nil {
		return err
	}

	w := newTable()
	fmt.Fprintln(w, "ID\tKIND\tMODEL\tFIELD\tADDRESS\tSTATUS\tINTERVAL\tCALIBRATED")
	fmt.Fprintln(w, "--\t----\t-----\t-----\t-------\t------\t--------\t----------")
	for _, d := range devices {
		fieldStr := "-"
		if d.FieldID != 0 {
			fieldStr = strconv.Itoa(d.FieldID)
		}
		interval := "-"
		if d.IsSensor() {
			interval = d.PollInterval.String()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.Kind, d.Model, fieldStr, d.Addr(), d.Status, interval, calibrationString(d))
	}
	return w.Flush()
}

func listFields(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	fields, err := db.ListFields(context.Background())
	if err != nil {
		return err
	}

	w := newTable()
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tAREA m²\tWP %\tZe m\tZr m\tp\tKcb\tFLOW L/h\tAUTO")
	fmt.Fprintln(w, "--\t----\t----\t-------\t----\t----\t----\t-\t---\t--------\t----")
	for _, f := range fields {
		auto := "N"
		if f.AutoIrrigate {
			auto = "Y"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%.1f\t%.1f\t%.2f\t%.2f\t%.2f\t%.2f\t%.1f\t%s\n",
			f.ID, f.Name, f.Type, f.TotalArea, f.WiltingPoint, f.MaxEvaporationDepth,
			f.RootZoneDepth, f.AllowableDepletion, f.BasalKc, f.DefaultFlowRate, auto)
	}
	return w.Flush()
}

func showReadings(cmd *cobra.Command, args []string) error {
	deviceID, err := optionalID(args)
	if err != nil {
		return err
	}
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	var readings []storage.SensorReading
	if deviceID != 0 {
		readings, err = db.DeviceReadings(context.Background(), deviceID, limit)
	} else {
		readings, err = queryReadings(db.Conn(), limit)
	}
	if err != nil {
		return err
	}

	w := newTable()
	fmt.Fprintln(w, "DEVICE\tFIELD\tGROUP\tTYPE\tVALUE\tTIME")
	fmt.Fprintln(w, "------\t-----\t-----\t----\t-----\t----")
	for _, r := range readings {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%.2f\t%s\n",
			r.DeviceID, r.FieldID, r.Group, r.DataType, r.Value, r.Timestamp.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func queryReadings(conn *sql.DB, n int) ([]storage.SensorReading, error) {
	rows, err := conn.Query(`
		SELECT device_id, COALESCE(field_id, 0), data_group, data_type, value, timestamp
		FROM sensor_readings ORDER BY timestamp DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.SensorReading
	for rows.Next() {
		var r storage.SensorReading
		if err := rows.Scan(&r.DeviceID, &r.FieldID, &r.Group, &r.DataType, &r.Value, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func showIrrigation(cmd *cobra.Command, args []string) error {
	fieldID, err := optionalID(args)
	if err != nil {
		return err
	}
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	reqs, err := db.ListIrrigationRequests(context.Background(), fieldID)
	if err != nil {
		return err
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].StartTime.After(reqs[j].StartTime) })
	if len(reqs) > limit {
		reqs = reqs[:limit]
	}

	w := newTable()
	fmt.Fprintln(w, "ID\tFIELD\tSTATUS\tSTART\tMIN\tFLOW L/h\tWATER L\tMESSAGE")
	fmt.Fprintln(w, "--\t-----\t------\t-----\t---\t--------\t-------\t-------")
	for _, r := range reqs {
		msg := r.FailureMessage
		if msg == "" {
			msg = "-"
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%d\t%.1f\t%.1f\t%s\n",
			r.ID, r.FieldID, r.Status, r.StartTime.Local().Format("2006-01-02 15:04"),
			r.DurationMinutes, r.FlowRate, r.TotalWaterAmount, msg)
	}
	return w.Flush()
}

func showWater(cmd *cobra.Command, args []string) error {
	fieldID, err := optionalID(args)
	if err != nil {
		return err
	}
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	query := `
		SELECT field_id, depletion, tew, rew, taw, raw, kr, ke, eto, evaporation, rainfall, irrigation, timestamp
		FROM field_water_states ORDER BY timestamp DESC LIMIT ?
	`
	queryArgs := []any{limit}
	if fieldID != 0 {
		query = `
			SELECT field_id, depletion, tew, rew, taw, raw, kr, ke, eto, evaporation, rainfall, irrigation, timestamp
			FROM field_water_states WHERE field_id = ? ORDER BY timestamp DESC LIMIT ?
		`
		queryArgs = []any{fieldID, limit}
	}

	rows, err := db.Conn().Query(query, queryArgs...)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := newTable()
	fmt.Fprintln(w, "FIELD\tD mm\tTEW\tREW\tTAW\tRAW\tKr\tKe\tETo\tE\tRAIN\tIRR\tTIME")
	fmt.Fprintln(w, "-----\t----\t---\t---\t---\t---\t--\t--\t---\t-\t----\t---\t----")
	for rows.Next() {
		var s storage.FieldWaterState
		if err := rows.Scan(&s.FieldID, &s.Depletion, &s.TEW, &s.REW, &s.TAW, &s.RAW, &s.Kr, &s.Ke,
			&s.ETo, &s.Evaporation, &s.Rainfall, &s.Irrigation, &s.Timestamp); err != nil {
			return err
		}
		flag := ""
		if s.RAW > 0 && s.Depletion >= s.RAW {
			flag = " *"
		}
		fmt.Fprintf(w, "%d\t%.2f%s\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.3f\t%.3f\t%.2f\t%.2f\t%s\n",
			s.FieldID, s.Depletion, flag, s.TEW, s.REW, s.TAW, s.RAW, s.Kr, s.Ke,
			s.ETo, s.Evaporation, s.Rainfall, s.Irrigation, s.Timestamp.Local().Format("2006-01-02 15:04"))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return w.Flush()
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats(context.Background())
	if err != nil {
		return err
	}

	fmt.Println("Database Statistics")
	fmt.Println("===================")
	tables := make([]string, 0, len(stats))
	for t := range stats {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		fmt.Printf("%-22s %d\n", t+":", stats[t])
	}

	var last sql.NullString
	if err := db.Conn().QueryRow("SELECT MAX(timestamp) FROM sensor_readings").Scan(&last); err == nil && last.Valid {
		fmt.Printf("\nLast reading: %s\n", last.String)
	}

	if info, err := os.Stat(dbPath); err == nil {
		fmt.Printf("Database size: %.2f KB (modified %s)\n", float64(info.Size())/1024, info.ModTime().Format(time.RFC3339))
	}
	return nil
}

func executeQuery(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	query := args[0]

	// The database is opened read-only; this only gives a clearer error.
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return fmt.Errorf("only SELECT queries are allowed")
	}

	rows, err := db.Conn().Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := newTable()
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	fmt.Fprintln(w, strings.Repeat("-\t", len(cols)))

	values := make([]any, len(cols))
	valuePtrs := make([]any, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return err
		}

		var row []string
		for _, v := range values {
			switch val := v.(type) {
			case nil:
				row = append(row, "NULL")
			case []byte:
				row = append(row, string(val))
			default:
				row = append(row, fmt.Sprintf("%v", val))
			}
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return w.Flush()
}

func calibrationString(d *storage.Device) string {
	switch {
	case d.IsActuator() && len(d.Calibration) > 0:
		return fmt.Sprintf("%d points", len(d.Calibration))
	case d.IsSensor() && len(d.SoilPolynomial) > 0:
		return fmt.Sprintf("degree %d", len(d.SoilPolynomial)-1)
	}
	return "-"
}
